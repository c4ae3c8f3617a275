// Package tasks exposes the background-task scheduler surface: enqueue,
// cancel and query. Schedules live in the shared KV adapter so any
// instance of a cluster can enqueue or claim work; the worker loop that
// executes tasks is a separate concern consuming this contract.
//
// Queries go through the same filter engine and scope layer as resource
// reads, so a tenant only ever sees its own tasks.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/kv"
	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/scope"
)

const (
	taskPrefix   = "task:"
	indexKey     = "tasks:all"
	scheduleKey  = "tasks:schedules"
	enqueueTries = 4
)

// Status values a task moves through.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Task is one unit of scheduled work.
type Task struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Status  string         `json:"status"`

	// RunAt is the earliest execution time. Zero means as soon as
	// possible.
	RunAt time.Time `json:"runAt,omitempty"`

	// Every makes the task recurring: after each run it is rescheduled
	// RunAt+Every. Zero means one-shot.
	Every time.Duration `json:"every,omitempty"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// record flattens a task into the map form the filter engine evaluates.
func (t *Task) record() map[string]any {
	rec := map[string]any{
		"id":        t.ID,
		"name":      t.Name,
		"status":    t.Status,
		"createdBy": t.CreatedBy,
		"createdAt": t.CreatedAt.Format(time.RFC3339),
		"every":     t.Every.Seconds(),
	}
	if !t.RunAt.IsZero() {
		rec["runAt"] = t.RunAt.Format(time.RFC3339)
	}
	return rec
}

// Scheduler is the enqueue/cancel/query contract over the shared KV.
type Scheduler struct {
	store    kv.Adapter
	compiler *filter.Compiler
	scope    *scope.Config
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithScope installs the authorization configuration applied to every
// operation. Without one, any authenticated caller sees every task.
func WithScope(cfg *scope.Config) Option {
	return func(s *Scheduler) { s.scope = cfg }
}

// WithCompiler overrides the filter compiler used by GetTasks.
func WithCompiler(c *filter.Compiler) Option {
	return func(s *Scheduler) { s.compiler = c }
}

// WithClock overrides the scheduler's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler over the given KV adapter.
func NewScheduler(store kv.Adapter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		compiler: filter.NewCompiler(nil),
		scope:    &scope.Config{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// retryKV runs a KV write with exponential backoff; transient adapter
// failures are retried, context cancellation is not.
func retryKV(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 300 * time.Millisecond
	return backoff.Retry(func() error {
		if err := fn(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, enqueueTries), ctx))
}

// Enqueue schedules a task and returns its id. The caller's create scope
// is evaluated against the task record, so a scope like
// `createdBy==<user>` prevents scheduling work on someone else's behalf.
func (s *Scheduler) Enqueue(ctx context.Context, user *auth.UserContext, t *Task) (string, error) {
	if t == nil || t.Name == "" {
		return "", problem.New(problem.KindValidation, "task needs a name")
	}
	sc, err := s.scope.Resolve(scope.OpCreate, user)
	if err != nil {
		return "", err
	}

	task := *t
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if user != nil && task.CreatedBy == "" {
		task.CreatedBy = user.ID
	}
	task.CreatedAt = s.now().UTC()
	if task.Every > 0 && task.RunAt.IsZero() {
		task.RunAt = task.CreatedAt.Add(task.Every)
	}

	if !sc.Match(task.record()) {
		return "", problem.New(problem.KindForbidden, "task is outside your create scope")
	}

	raw, err := json.Marshal(&task)
	if err != nil {
		return "", err
	}
	err = retryKV(ctx, func() error {
		if err := s.store.Set(ctx, taskPrefix+task.ID, string(raw), 0); err != nil {
			return err
		}
		if err := s.store.SAdd(ctx, indexKey, task.ID); err != nil {
			return err
		}
		if task.Every > 0 {
			return s.store.HSet(ctx, scheduleKey, task.ID,
				fmt.Sprintf("%s|%s", task.RunAt.Format(time.RFC3339), task.Every))
		}
		return nil
	})
	if err != nil {
		return "", problem.Wrap(problem.KindUnavailable, err, "task store unreachable")
	}
	return task.ID, nil
}

func (s *Scheduler) load(ctx context.Context, id string) (*Task, error) {
	raw, err := s.store.Get(ctx, taskPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, problem.New(problem.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, problem.Wrap(problem.KindUnavailable, err, "task store unreachable")
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, problem.Wrap(problem.KindInternal, err, "corrupt task record")
	}
	return &t, nil
}

// Cancel marks a pending or running task canceled and drops its recurring
// schedule. Tasks outside the caller's delete scope are indistinguishable
// from missing ones.
func (s *Scheduler) Cancel(ctx context.Context, user *auth.UserContext, id string) error {
	sc, err := s.scope.Resolve(scope.OpDelete, user)
	if err != nil {
		return err
	}
	t, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !sc.Match(t.record()) {
		return problem.New(problem.KindNotFound, "task %s not found", id)
	}
	if t.Status == StatusDone || t.Status == StatusCanceled {
		return problem.New(problem.KindConflict, "task %s already %s", id, t.Status)
	}

	t.Status = StatusCanceled
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = retryKV(ctx, func() error {
		if err := s.store.Set(ctx, taskPrefix+id, string(raw), 0); err != nil {
			return err
		}
		return s.store.HSet(ctx, scheduleKey, id, "")
	})
	if err != nil {
		return problem.Wrap(problem.KindUnavailable, err, "task store unreachable")
	}
	return nil
}

// GetTasks returns the caller-visible tasks matching a filter expression,
// newest first. The expression evaluates against the flattened task
// record: id, name, status, createdBy, createdAt, runAt, every.
func (s *Scheduler) GetTasks(ctx context.Context, user *auth.UserContext, expr string) ([]*Task, error) {
	sc, err := s.scope.Resolve(scope.OpRead, user)
	if err != nil {
		return nil, err
	}
	f, err := s.compiler.Compile(expr)
	if err != nil {
		return nil, problem.Wrap(problem.KindFilterParse, err, "invalid filter")
	}
	eff := sc.Apply(f)

	ids, err := s.store.SMembers(ctx, indexKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, problem.Wrap(problem.KindUnavailable, err, "task store unreachable")
	}

	var out []*Task
	for _, id := range ids {
		t, err := s.load(ctx, id)
		if err != nil {
			if problem.IsKind(err, problem.KindNotFound) {
				// Reclaimed between the index read and the fetch.
				continue
			}
			return nil, err
		}
		if eff.Match(t.record()) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Due returns pending tasks whose RunAt has passed, oldest first. This is
// the worker loop's entry point and bypasses the scope layer.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]*Task, error) {
	tasks, err := s.getAll(ctx)
	if err != nil {
		return nil, err
	}
	var due []*Task
	for _, t := range tasks {
		if t.Status != StatusPending {
			continue
		}
		if t.RunAt.IsZero() || !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due, nil
}

func (s *Scheduler) getAll(ctx context.Context) ([]*Task, error) {
	ids, err := s.store.SMembers(ctx, indexKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, problem.Wrap(problem.KindUnavailable, err, "task store unreachable")
	}
	var out []*Task
	for _, id := range ids {
		t, err := s.load(ctx, id)
		if err != nil {
			if problem.IsKind(err, problem.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
