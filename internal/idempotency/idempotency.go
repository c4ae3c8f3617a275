// Package idempotency makes retried mutations safe. The first request
// holding an Idempotency-Key executes under a single-writer KV lock and
// caches its response; retries within the TTL replay the cached response,
// and a retry whose body differs from the original is rejected.
package idempotency

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/concavehq/concave/internal/kv"
	"github.com/concavehq/concave/internal/problem"
)

const (
	// DefaultTTL is how long a completed response replays.
	DefaultTTL = 24 * time.Hour

	// lockTTL bounds how long a crashed holder can wedge a key.
	lockTTL = 30 * time.Second

	recordPrefix = "idem:"
	lockPrefix   = "idem:lock:"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,256}$`)

// ValidateKey reports whether an Idempotency-Key header value is
// acceptable.
func ValidateKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Scope derives the storage scope for a request. Distinct users never
// share replay state, and neither do distinct routes.
func Scope(userID, method, path, key string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("%s:%s:%s:%s", userID, method, path, key)
}

// Fingerprint hashes the parts of a request that must match for a replay
// to be legitimate.
func Fingerprint(method, path string, body []byte) string {
	h := md5.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Record is a cached response.
type Record struct {
	Fingerprint string      `json:"fingerprint"`
	Status      int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
}

// Guard is the right to execute the request. Exactly one of Commit or
// Release must be called.
type Guard struct {
	m     *Manager
	scope string
	fp    string
	done  bool
}

// Manager coordinates idempotent execution through a KV adapter.
type Manager struct {
	store kv.Adapter
	ttl   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the replay TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// New creates a Manager over the given KV adapter.
func New(store kv.Adapter, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lookup(ctx context.Context, scope, fingerprint string) (*Record, error) {
	raw, err := m.store.Get(ctx, recordPrefix+scope)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		// Fail closed: executing a possibly-duplicate write is worse than
		// refusing the request.
		return nil, problem.Wrap(problem.KindUnavailable, err, "idempotency store unreachable")
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, problem.Wrap(problem.KindInternal, err, "corrupt idempotency record")
	}
	if rec.Fingerprint != fingerprint {
		return nil, problem.New(problem.KindConflict,
			"idempotency key reused with a different request")
	}
	return &rec, nil
}

// Acquire resolves an idempotent request. It returns a cached Record to
// replay, or a Guard under which the caller must execute the request. A
// concurrent holder of the same key makes Acquire wait until the holder
// finishes, then replay its response.
func (m *Manager) Acquire(ctx context.Context, scope, fingerprint string) (*Guard, *Record, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = lockTTL

	var guard *Guard
	var replay *Record
	err := backoff.Retry(func() error {
		rec, err := m.lookup(ctx, scope, fingerprint)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec != nil {
			replay = rec
			return nil
		}

		ok, err := m.store.SetNX(ctx, lockPrefix+scope, fingerprint, lockTTL)
		if err != nil {
			return backoff.Permanent(problem.Wrap(problem.KindUnavailable,
				err, "idempotency store unreachable"))
		}
		if ok {
			guard = &Guard{m: m, scope: scope, fp: fingerprint}
			return nil
		}
		// Another request holds the key; wait for its response to land.
		return fmt.Errorf("idempotency key %s locked", scope)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		var p *problem.Problem
		if errors.As(err, &p) {
			return nil, nil, err
		}
		return nil, nil, problem.Wrap(problem.KindConflict,
			err, "timed out waiting for concurrent request with same idempotency key")
	}
	return guard, replay, nil
}

// Commit caches the response and releases the lock. Responses with status
// 500 and above are not cached, so a retry re-executes.
func (g *Guard) Commit(ctx context.Context, status int, header http.Header, body []byte) error {
	if g.done {
		return nil
	}
	g.done = true
	defer g.m.store.Del(ctx, lockPrefix+g.scope)

	if status >= 500 {
		return nil
	}
	raw, err := json.Marshal(&Record{
		Fingerprint: g.fp,
		Status:      status,
		Header:      header,
		Body:        body,
	})
	if err != nil {
		return err
	}
	return g.m.store.Set(ctx, recordPrefix+g.scope, string(raw), g.m.ttl)
}

// Release drops the lock without caching anything, for requests that never
// produced a response.
func (g *Guard) Release(ctx context.Context) {
	if g.done {
		return
	}
	g.done = true
	_ = g.m.store.Del(ctx, lockPrefix+g.scope)
}
