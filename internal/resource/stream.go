package resource

import (
	"net/http"

	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/relations"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
)

// handleSubscribe serves GET /subscribe as a server-sent event stream:
// a filtered snapshot tagged with the changelog high-water mark, then the
// live tail. The high-water mark is read before the snapshot, so any
// mutation that lands between the two is replayed from the broker ring
// rather than lost.
func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableSubscriptions {
		s.respondError(w, problem.New(problem.KindNotFound, "subscriptions are not enabled"))
		return
	}
	user, sc, err := s.authorize(r, scope.OpSubscribe)
	if err != nil {
		s.respondError(w, err)
		return
	}

	f, err := s.compileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Relation predicates need eager loading and cannot be re-evaluated
	// against changelog entries.
	if _, peeled, err := relations.PeelFilter(f, s.desc.Relations); err != nil || len(peeled) > 0 {
		s.respondError(w, problem.New(problem.KindValidation,
			"subscription filters cannot reference relations"))
		return
	}
	eff := sc.Apply(f)

	ctx := r.Context()
	h0, err := s.store.HighWater(ctx, s.desc.Name)
	if err != nil {
		s.respondError(w, err)
		return
	}

	snapshot, err := s.store.Select(ctx, storage.SelectQuery{
		Table:  s.desc.Table,
		Filter: eff,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	sub := s.broker.Subscribe(s.desc.Name, h0)
	defer sub.Close()
	if user != nil && user.SessionToken != "" {
		// Session end cascades to an invalidate on this stream.
		s.broker.Bind(sub, user.SessionToken)
	}

	closed := s.metrics.SubscriberOpened(r, s.desc.Name)
	defer closed()

	// The effective filter is fixed for the lifetime of the stream.
	match := eff.Match
	if err := s.streamer.Serve(ctx, w, snapshot, h0, sub, match); err != nil {
		s.logger.Debug("subscription ended", "error", err)
	}
}
