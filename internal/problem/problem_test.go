package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindFilterParse, http.StatusBadRequest},
		{KindTooLarge, http.StatusBadRequest},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindPreconditionFailed, http.StatusPreconditionFailed},
		{KindNotModified, http.StatusNotModified},
		{KindConflict, http.StatusConflict},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, tt.kind.Status())
	}
}

func TestWriteProblemBody(t *testing.T) {
	rec := httptest.NewRecorder()
	p := New(KindPreconditionFailed, "etag mismatch")
	p.CurrentETag = `W/"abc"`
	Write(rec, p)

	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, TypePrefix+"precondition-failed", got["type"])
	require.Equal(t, `W/"abc"`, got["currentETag"])
	require.EqualValues(t, 412, got["status"])
}

func TestWriteInternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("db password is hunter2"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")
}

func TestNotModifiedHasNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(KindNotModified, ""))
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestFromPassthroughAndWrap(t *testing.T) {
	p := New(KindConflict, "duplicate")
	wrapped := fmt.Errorf("outer: %w", p)
	require.Same(t, p, From(wrapped))
	require.True(t, IsKind(wrapped, KindConflict))

	plain := errors.New("boom")
	require.Equal(t, KindInternal, From(plain).Kind)
}
