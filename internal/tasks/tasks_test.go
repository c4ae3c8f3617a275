package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/kv/memkv"
	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/scope"
)

func ownScope() *scope.Config {
	return &scope.Config{
		Fallback: func(user *auth.UserContext) *scope.Compiled {
			return scope.Expr(filter.Eq("createdBy", user.ID))
		},
	}
}

func TestEnqueueAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(memkv.New(), WithScope(ownScope()))
	alice := &auth.UserContext{ID: "alice"}

	id, err := s.Enqueue(ctx, alice, &Task{Name: "reindex"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetTasks(ctx, alice, `name=="reindex"`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, StatusPending, got[0].Status)
	assert.Equal(t, "alice", got[0].CreatedBy)
}

func TestScopeHidesOtherUsersTasks(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(memkv.New(), WithScope(ownScope()))
	alice := &auth.UserContext{ID: "alice"}
	bob := &auth.UserContext{ID: "bob"}

	id, err := s.Enqueue(ctx, alice, &Task{Name: "export"})
	require.NoError(t, err)

	got, err := s.GetTasks(ctx, bob, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Cancelling someone else's task reads as not-found, not forbidden.
	err = s.Cancel(ctx, bob, id)
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindNotFound))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(memkv.New(), WithScope(ownScope()))
	alice := &auth.UserContext{ID: "alice"}

	id, err := s.Enqueue(ctx, alice, &Task{Name: "cleanup", Every: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, alice, id))

	got, err := s.GetTasks(ctx, alice, `status=="canceled"`)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A second cancel conflicts.
	err = s.Cancel(ctx, alice, id)
	assert.True(t, problem.IsKind(err, problem.KindConflict))
}

func TestAnonymousCallerRejected(t *testing.T) {
	s := NewScheduler(memkv.New(), WithScope(ownScope()))
	_, err := s.Enqueue(context.Background(), nil, &Task{Name: "x"})
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindUnauthenticated))
}

func TestDue(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(memkv.New(), WithClock(func() time.Time { return base }))

	worker := &auth.UserContext{ID: "worker"}
	_, err := s.Enqueue(ctx, worker, &Task{Name: "now"})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, worker, &Task{Name: "later", RunAt: base.Add(time.Hour)})
	require.NoError(t, err)

	due, err := s.Due(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "now", due[0].Name)

	due, err = s.Due(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestRecurringGetsSchedule(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(store, WithClock(func() time.Time { return base }))

	id, err := s.Enqueue(ctx, &auth.UserContext{ID: "worker"}, &Task{Name: "sweep", Every: 30 * time.Minute})
	require.NoError(t, err)

	raw, err := store.HGet(ctx, scheduleKey, id)
	require.NoError(t, err)
	assert.Contains(t, raw, "2026-08-01T12:30:00Z")
}

func TestBadFilterIsFilterParse(t *testing.T) {
	s := NewScheduler(memkv.New())
	_, err := s.GetTasks(context.Background(), &auth.UserContext{ID: "u"}, "age>>>")
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindFilterParse))
}
