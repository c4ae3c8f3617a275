package changelog

import (
	"log/slog"
	"sync"
)

const (
	// defaultRingSize is how many recent entries each resource retains for
	// late-attaching subscribers.
	defaultRingSize = 1024

	// defaultQueueSize is each subscriber's outbound buffer. A subscriber
	// that falls this far behind is invalidated rather than blocked on.
	defaultQueueSize = 1000
)

// Subscription is one attached changelog reader.
//
// Entries arrive on C in strictly increasing Seq order. When the
// subscriber falls too far behind, or asks for a sequence the ring no
// longer holds, Invalidated is closed and C stops; the reader must tell
// its client to resnapshot.
type Subscription struct {
	C           <-chan *Entry
	Invalidated <-chan struct{}

	broker   *Broker
	resource string
	session  string
	ch       chan *Entry
	invalid  chan struct{}
	closed   bool
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.detach(s.resource, s)
}

type resourceState struct {
	ring  []*Entry // circular, seq-ordered
	start int
	count int

	subs map[*Subscription]struct{}
}

func (rs *resourceState) append(e *Entry, size int) {
	if len(rs.ring) < size {
		rs.ring = append(rs.ring, e)
		rs.count++
		return
	}
	// Full: overwrite the oldest slot.
	idx := (rs.start + rs.count) % len(rs.ring)
	rs.ring[idx] = e
	if rs.count < len(rs.ring) {
		rs.count++
	} else {
		rs.start = (rs.start + 1) % len(rs.ring)
	}
}

// window returns the entries with seq > from, oldest first, plus whether
// the ring still covers that range.
func (rs *resourceState) window(from int64) ([]*Entry, bool) {
	if rs.count == 0 {
		return nil, true
	}
	oldest := rs.ring[rs.start]
	if from < oldest.Seq-1 {
		// The entry after `from` has already been evicted.
		return nil, false
	}
	var out []*Entry
	for i := 0; i < rs.count; i++ {
		e := rs.ring[(rs.start+i)%len(rs.ring)]
		if e.Seq > from {
			out = append(out, e)
		}
	}
	return out, true
}

// Broker fans committed changelog entries out to subscribers, one ring of
// recent entries per resource.
//
// Publish appends to the ring and delivers in one critical section, so
// concurrent publishers cannot interleave an entry between another's
// append and its delivery. Sends never block: a full subscriber queue
// drops the subscriber instead of stalling the publisher.
type Broker struct {
	mu        sync.Mutex
	resources map[string]*resourceState

	ringSize  int
	queueSize int
	logger    *slog.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRingSize overrides the per-resource ring capacity.
func WithRingSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

// WithQueueSize overrides the per-subscriber buffer.
func WithQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the broker's logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker creates an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		resources: make(map[string]*resourceState),
		ringSize:  defaultRingSize,
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) state(resource string) *resourceState {
	rs, ok := b.resources[resource]
	if !ok {
		rs = &resourceState{subs: make(map[*Subscription]struct{})}
		b.resources[resource] = rs
	}
	return rs
}

// Publish appends a committed entry and delivers it to the resource's
// subscribers. Entries for one resource must arrive in increasing Seq
// order; the resource layer guarantees that by serialising its
// commit-then-publish sequence per resource.
func (b *Broker) Publish(e *Entry) {
	b.mu.Lock()
	rs := b.state(e.Resource)
	rs.append(e, b.ringSize)
	var dropped []*Subscription
	for s := range rs.subs {
		select {
		case s.ch <- e:
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		delete(rs.subs, s)
		s.closed = true
	}
	b.mu.Unlock()

	for _, s := range dropped {
		b.logger.Warn("changelog subscriber overflow, invalidating",
			"resource", e.Resource, "seq", e.Seq)
		close(s.invalid)
	}
}

// Subscribe attaches a reader at high-water mark from: the first delivered
// entry is the one with seq = from+1. Entries still held in the ring are
// replayed immediately; if the ring has already evicted part of that range
// the subscription comes back pre-invalidated and the caller must
// resnapshot.
func (b *Broker) Subscribe(resource string, from int64) *Subscription {
	s := &Subscription{
		broker:   b,
		resource: resource,
		ch:       make(chan *Entry, b.queueSize),
		invalid:  make(chan struct{}),
	}
	s.C = s.ch
	s.Invalidated = s.invalid

	b.mu.Lock()
	rs := b.state(resource)
	missed, ok := rs.window(from)
	if !ok || len(missed) > b.queueSize {
		b.mu.Unlock()
		close(s.invalid)
		s.closed = true
		return s
	}
	for _, e := range missed {
		s.ch <- e
	}
	rs.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// HighWater returns the newest published seq for a resource, or 0 when
// nothing has been published since startup. Callers needing the true
// durable high-water mark read it from storage.
func (b *Broker) HighWater(resource string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.resources[resource]
	if !ok || rs.count == 0 {
		return 0
	}
	return rs.ring[(rs.start+rs.count-1)%len(rs.ring)].Seq
}

// Bind pins a subscription to a session token. When the session ends,
// DropSession invalidates every subscription pinned to it.
func (b *Broker) Bind(s *Subscription, sessionToken string) {
	b.mu.Lock()
	s.session = sessionToken
	b.mu.Unlock()
}

// DropSession invalidates all subscriptions pinned to a session token,
// across every resource, returning how many were dropped.
func (b *Broker) DropSession(sessionToken string) int {
	if sessionToken == "" {
		return 0
	}
	b.mu.Lock()
	var victims []*Subscription
	var resources []string
	for name, rs := range b.resources {
		for s := range rs.subs {
			if s.session == sessionToken {
				victims = append(victims, s)
				resources = append(resources, name)
			}
		}
	}
	b.mu.Unlock()

	for i, s := range victims {
		b.invalidate(resources[i], s)
	}
	return len(victims)
}

func (b *Broker) detach(resource string, s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.resources[resource]
	if !ok {
		return
	}
	delete(rs.subs, s)
}

func (b *Broker) invalidate(resource string, s *Subscription) {
	b.mu.Lock()
	rs, ok := b.resources[resource]
	if ok {
		if _, attached := rs.subs[s]; !attached {
			b.mu.Unlock()
			return
		}
		delete(rs.subs, s)
	}
	alreadyClosed := s.closed
	s.closed = true
	b.mu.Unlock()
	if !alreadyClosed {
		close(s.invalid)
	}
}
