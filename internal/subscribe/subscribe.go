// Package subscribe turns the changelog into live SSE streams. A stream
// replays a filtered snapshot as `existing` events, then tails the broker
// and translates each entry into `added`, `changed` or `removed` relative
// to the subscriber's filter; a dropped or unrecoverable subscriber gets a
// single `invalidate` and the stream closes.
package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/concavehq/concave/internal/changelog"
)

// Event types on the wire.
const (
	EventExisting   = "existing"
	EventAdded      = "added"
	EventChanged    = "changed"
	EventRemoved    = "removed"
	EventInvalidate = "invalidate"
)

// DefaultHeartbeat keeps idle connections alive through proxies.
const DefaultHeartbeat = 15 * time.Second

// Event is one SSE frame before encoding.
type Event struct {
	Type string
	Seq  int64
	Item map[string]any
	ID   string // record id, set for removed events without a body
}

// Derive translates a changelog entry into the subscriber-visible event,
// if any. match is the subscriber's effective filter.
func Derive(e *changelog.Entry, match func(map[string]any) bool) (*Event, bool) {
	matchBefore := e.Before != nil && match(e.Before)
	matchAfter := e.After != nil && match(e.After)

	switch e.Op {
	case changelog.OpCreate:
		if matchAfter {
			return &Event{Type: EventAdded, Seq: e.Seq, Item: e.After}, true
		}
	case changelog.OpDelete:
		if matchBefore {
			return &Event{Type: EventRemoved, Seq: e.Seq, Item: e.Before, ID: e.RecordID}, true
		}
	case changelog.OpUpdate:
		switch {
		case matchBefore && matchAfter:
			return &Event{Type: EventChanged, Seq: e.Seq, Item: e.After}, true
		case matchAfter:
			// The update moved the record into the filter.
			return &Event{Type: EventAdded, Seq: e.Seq, Item: e.After}, true
		case matchBefore:
			// The update moved the record out of the filter.
			return &Event{Type: EventRemoved, Seq: e.Seq, Item: e.Before, ID: e.RecordID}, true
		}
	}
	return nil, false
}

// Streamer writes SSE streams.
type Streamer struct {
	heartbeat time.Duration
	logger    *slog.Logger
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithHeartbeat overrides the idle heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Streamer) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithLogger sets the streamer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Streamer) { s.logger = logger }
}

// NewStreamer creates a Streamer.
func NewStreamer(opts ...Option) *Streamer {
	s := &Streamer{heartbeat: DefaultHeartbeat, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type frame struct {
	Item map[string]any `json:"item,omitempty"`
	ID   string         `json:"id,omitempty"`
	Seq  int64          `json:"seq"`
}

func writeEvent(w io.Writer, ev *Event) error {
	data, err := json.Marshal(frame{Item: ev.Item, ID: ev.ID, Seq: ev.Seq})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
	return err
}

// Serve runs one SSE stream until the client disconnects, the
// subscription is invalidated, or the write path fails.
//
// snapshot is the filtered page of current rows, h0 the changelog
// high-water mark captured before the snapshot, and sub a broker
// subscription attached at h0. match re-applies the subscriber's
// effective filter to changelog entries.
func (s *Streamer) Serve(ctx context.Context, w http.ResponseWriter, snapshot []map[string]any, h0 int64, sub *changelog.Subscription, match func(map[string]any) bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, row := range snapshot {
		ev := &Event{Type: EventExisting, Seq: h0, Item: row}
		if err := writeEvent(w, ev); err != nil {
			return err
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	invalidate := func() error {
		err := writeEvent(w, &Event{Type: EventInvalidate})
		flusher.Flush()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Invalidated:
			return invalidate()
		case entry, ok := <-sub.C:
			if !ok {
				return nil
			}
			ev, visible := Derive(entry, match)
			if !visible {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
