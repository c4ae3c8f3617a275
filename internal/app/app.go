// Package app assembles the framework: shared storage, KV, broker,
// idempotency and auth, with resources mounted under their route
// prefixes. One App is one HTTP handler; clustering means running several
// against the same database and KV.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/idempotency"
	"github.com/concavehq/concave/internal/kv"
	"github.com/concavehq/concave/internal/metrics"
	"github.com/concavehq/concave/internal/resource"
	"github.com/concavehq/concave/internal/session"
	"github.com/concavehq/concave/internal/storage"
	"github.com/concavehq/concave/internal/subscribe"
	"github.com/concavehq/concave/internal/tasks"
)

// Options configures an App. Store is required; everything else has a
// working default.
type Options struct {
	Store storage.Driver

	// KV backs idempotency, sessions and the task scheduler. Defaults to
	// nothing: idempotency and tasks are disabled without one.
	KV kv.Adapter

	// Auth authenticates requests. Nil leaves every request anonymous,
	// which only works with public resources.
	Auth auth.Adapter

	// Sessions, when set with KV-backed auth, lets EndSession cascade.
	Sessions session.Store

	Logger *slog.Logger

	// Heartbeat and QueueSize tune the SSE engine.
	Heartbeat time.Duration
	QueueSize int

	MutationTimeout time.Duration
	IdempotencyTTL  time.Duration

	// Metrics enables OpenTelemetry instrumentation when true.
	Metrics bool
}

// App is an assembled server.
type App struct {
	store    storage.Driver
	kvstore  kv.Adapter
	broker   *changelog.Broker
	streamer *subscribe.Streamer
	idem     *idempotency.Manager
	authn    auth.Adapter
	sessions session.Store
	compiler *filter.Compiler
	sched    *tasks.Scheduler
	met      *metrics.Metrics
	logger   *slog.Logger

	mux      *http.ServeMux
	deps     resource.Deps
	services map[string]*resource.Service
}

// New assembles an App.
func New(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("app: a storage driver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var brokerOpts []changelog.BrokerOption
	if opts.QueueSize > 0 {
		brokerOpts = append(brokerOpts, changelog.WithQueueSize(opts.QueueSize))
	}
	brokerOpts = append(brokerOpts, changelog.WithLogger(logger))

	var streamOpts []subscribe.Option
	if opts.Heartbeat > 0 {
		streamOpts = append(streamOpts, subscribe.WithHeartbeat(opts.Heartbeat))
	}
	streamOpts = append(streamOpts, subscribe.WithLogger(logger))

	a := &App{
		store:    opts.Store,
		kvstore:  opts.KV,
		broker:   changelog.NewBroker(brokerOpts...),
		streamer: subscribe.NewStreamer(streamOpts...),
		authn:    opts.Auth,
		sessions: opts.Sessions,
		compiler: filter.NewCompiler(nil),
		logger:   logger,
		mux:      http.NewServeMux(),
		services: make(map[string]*resource.Service),
	}
	if opts.KV != nil {
		var idemOpts []idempotency.Option
		if opts.IdempotencyTTL > 0 {
			idemOpts = append(idemOpts, idempotency.WithTTL(opts.IdempotencyTTL))
		}
		a.idem = idempotency.New(opts.KV, idemOpts...)
		a.sched = tasks.NewScheduler(opts.KV, tasks.WithCompiler(a.compiler))
	}
	if opts.Metrics {
		met, err := metrics.New()
		if err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		a.met = met
	}

	a.deps = resource.Deps{
		Store:           a.store,
		Broker:          a.broker,
		Idem:            a.idem,
		Auth:            a.authn,
		Compiler:        a.compiler,
		Streamer:        a.streamer,
		Logger:          logger,
		Metrics:         a.met,
		MutationTimeout: opts.MutationTimeout,
	}

	a.mux.HandleFunc("GET /__concave/health", a.handleHealth)
	return a, nil
}

// Resource mounts a descriptor under /<name>. It must be called before
// the App serves traffic.
func (a *App) Resource(desc *resource.Descriptor) (*resource.Service, error) {
	return a.ResourceAt(desc, "")
}

// ResourceAt mounts a descriptor under an explicit prefix.
func (a *App) ResourceAt(desc *resource.Descriptor, prefix string) (*resource.Service, error) {
	svc, err := resource.New(desc, a.deps)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "/" + desc.Name
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if _, taken := a.services[prefix]; taken {
		return nil, fmt.Errorf("app: prefix %s already mounted", prefix)
	}
	svc.Mount(a.mux, prefix)
	a.services[prefix] = svc
	a.logger.Info("resource mounted", "resource", desc.Name, "prefix", prefix)
	return svc, nil
}

// Scheduler returns the task scheduler, or nil when no KV is configured.
func (a *App) Scheduler() *tasks.Scheduler { return a.sched }

// Broker returns the shared changelog broker.
func (a *App) Broker() *changelog.Broker { return a.broker }

// Handler returns the App's HTTP handler with instrumentation applied.
func (a *App) Handler() http.Handler {
	return a.met.Middleware(a.mux)
}

// EndSession terminates a session everywhere: the auth adapter forgets
// it, the session store drops it, and any SSE stream pinned to it
// receives an invalidate.
func (a *App) EndSession(ctx context.Context, token string) error {
	if a.authn != nil {
		if err := a.authn.InvalidateSession(ctx, token); err != nil &&
			!errors.Is(err, session.ErrNotFound) {
			a.logger.Warn("auth adapter session invalidation failed", "error", err)
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Delete(ctx, token); err != nil {
			return err
		}
	}
	dropped := a.broker.DropSession(token)
	if dropped > 0 {
		a.logger.Info("session subscriptions invalidated", "count", dropped)
	}
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := `{"status":"ok"}`
	if _, err := a.store.HighWater(ctx, "__health"); err != nil {
		status = http.StatusServiceUnavailable
		body = `{"status":"degraded","detail":"storage unreachable"}`
	} else if a.kvstore != nil {
		if _, err := a.kvstore.Exists(ctx, "__health"); err != nil {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded","detail":"kv unreachable"}`
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintln(w, body)
}
