package subscribe

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
)

func matchStatus(t *testing.T, expr string) func(map[string]any) bool {
	t.Helper()
	f, err := filter.Compile(expr)
	require.NoError(t, err)
	return f.Match
}

func TestDerive(t *testing.T) {
	match := matchStatus(t, `status=="active"`)
	active := map[string]any{"id": "r1", "status": "active"}
	inactive := map[string]any{"id": "r1", "status": "done"}

	tests := []struct {
		name     string
		entry    *changelog.Entry
		wantType string
		wantSkip bool
	}{
		{"create matching", &changelog.Entry{Op: changelog.OpCreate, Seq: 1, After: active}, EventAdded, false},
		{"create non-matching", &changelog.Entry{Op: changelog.OpCreate, Seq: 2, After: inactive}, "", true},
		{"delete matching", &changelog.Entry{Op: changelog.OpDelete, Seq: 3, Before: active, RecordID: "r1"}, EventRemoved, false},
		{"delete non-matching", &changelog.Entry{Op: changelog.OpDelete, Seq: 4, Before: inactive}, "", true},
		{"update stays in", &changelog.Entry{Op: changelog.OpUpdate, Seq: 5, Before: active, After: active}, EventChanged, false},
		{"update enters", &changelog.Entry{Op: changelog.OpUpdate, Seq: 6, Before: inactive, After: active}, EventAdded, false},
		{"update leaves", &changelog.Entry{Op: changelog.OpUpdate, Seq: 7, Before: active, After: inactive}, EventRemoved, false},
		{"update stays out", &changelog.Entry{Op: changelog.OpUpdate, Seq: 8, Before: inactive, After: inactive}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Derive(tt.entry, match)
			if tt.wantSkip {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.entry.Seq, ev.Seq)
		})
	}
}

// streamRecorder is a flushable ResponseWriter safe for concurrent reads.
type streamRecorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }
func (r *streamRecorder) WriteHeader(int)     {}
func (r *streamRecorder) Flush()              {}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *streamRecorder) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(r.String(), substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream never contained %q; got:\n%s", substr, r.String())
}

func TestServeSnapshotThenLive(t *testing.T) {
	broker := changelog.NewBroker()
	sub := broker.Subscribe("tasks", 0)
	defer sub.Close()

	rec := newStreamRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- NewStreamer().Serve(ctx, rec, []map[string]any{
			{"id": "t1", "status": "active"},
		}, 0, sub, matchStatus(t, `status=="active"`))
	}()

	rec.waitFor(t, "event: existing")

	broker.Publish(&changelog.Entry{
		Resource: "tasks", Seq: 1, Op: changelog.OpCreate,
		After: map[string]any{"id": "t2", "status": "active"},
	})
	rec.waitFor(t, "event: added")

	// Filtered-out mutation produces nothing; the next visible one does.
	broker.Publish(&changelog.Entry{
		Resource: "tasks", Seq: 2, Op: changelog.OpCreate,
		After: map[string]any{"id": "t3", "status": "done"},
	})
	broker.Publish(&changelog.Entry{
		Resource: "tasks", Seq: 3, Op: changelog.OpUpdate,
		Before: map[string]any{"id": "t1", "status": "active"},
		After:  map[string]any{"id": "t1", "status": "done"},
	})
	rec.waitFor(t, "event: removed")

	body := rec.String()
	assert.NotContains(t, body, `"id":"t3"`)
	assert.Contains(t, body, "id: 1")
	assert.Contains(t, body, "id: 3")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	cancel()
	require.NoError(t, <-done)
}

func TestServeHeartbeat(t *testing.T) {
	broker := changelog.NewBroker()
	sub := broker.Subscribe("tasks", 0)
	defer sub.Close()

	rec := newStreamRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		streamer := NewStreamer(WithHeartbeat(10 * time.Millisecond))
		done <- streamer.Serve(ctx, rec, nil, 0, sub, func(map[string]any) bool { return true })
	}()

	rec.waitFor(t, ": heartbeat")
	cancel()
	require.NoError(t, <-done)
}

func TestServeInvalidateOnPreInvalidatedSubscription(t *testing.T) {
	broker := changelog.NewBroker(changelog.WithRingSize(2))
	for i := int64(1); i <= 5; i++ {
		broker.Publish(&changelog.Entry{Resource: "tasks", Seq: i, Op: changelog.OpCreate})
	}
	// High-water mark 1 is far behind the ring.
	sub := broker.Subscribe("tasks", 1)
	defer sub.Close()

	rec := newStreamRecorder()
	err := NewStreamer().Serve(context.Background(), rec, nil, 1, sub,
		func(map[string]any) bool { return true })
	require.NoError(t, err)
	assert.Contains(t, rec.String(), "event: invalidate")
}
