package changelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(seq int64, op Op, id string) *Entry {
	return &Entry{
		Seq:      seq,
		Resource: "tasks",
		RecordID: id,
		Op:       op,
		TS:       time.Now(),
	}
}

func recv(t *testing.T, sub *Subscription) *Entry {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
		return nil
	}
}

func TestBrokerDeliversInSeqOrder(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("tasks", 0)
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(entry(i, OpCreate, "r1"))
	}

	var last int64
	for i := 0; i < 5; i++ {
		e := recv(t, sub)
		assert.Greater(t, e.Seq, last)
		last = e.Seq
	}
	assert.Equal(t, int64(5), last)
	assert.Equal(t, int64(5), b.HighWater("tasks"))
}

func TestBrokerReplaysRingOnLateAttach(t *testing.T) {
	b := NewBroker()
	b.Publish(entry(1, OpCreate, "a"))
	b.Publish(entry(2, OpUpdate, "a"))
	b.Publish(entry(3, OpDelete, "a"))

	// Attach at high-water mark 1: entries 2 and 3 replay from the ring.
	sub := b.Subscribe("tasks", 1)
	defer sub.Close()

	assert.Equal(t, int64(2), recv(t, sub).Seq)
	assert.Equal(t, int64(3), recv(t, sub).Seq)
}

func TestBrokerInvalidatesOnEvictedRange(t *testing.T) {
	b := NewBroker(WithRingSize(4))
	for i := int64(1); i <= 10; i++ {
		b.Publish(entry(i, OpCreate, "r"))
	}

	// Seq 2 left the ring long ago; the subscriber cannot be caught up.
	sub := b.Subscribe("tasks", 1)
	defer sub.Close()

	select {
	case <-sub.Invalidated:
	default:
		t.Fatal("expected immediate invalidation")
	}
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewBroker(WithQueueSize(2))
	slow := b.Subscribe("tasks", 0)
	defer slow.Close()

	for i := int64(1); i <= 3; i++ {
		b.Publish(entry(i, OpCreate, "r"))
	}

	select {
	case <-slow.Invalidated:
	case <-time.After(time.Second):
		t.Fatal("expected overflow invalidation")
	}

	// A fresh subscriber at the current high-water mark is unaffected.
	fresh := b.Subscribe("tasks", b.HighWater("tasks"))
	defer fresh.Close()
	b.Publish(entry(4, OpUpdate, "r"))
	require.Equal(t, int64(4), recv(t, fresh).Seq)
}

func TestBrokerDropSession(t *testing.T) {
	b := NewBroker()
	pinned := b.Subscribe("tasks", 0)
	defer pinned.Close()
	b.Bind(pinned, "sess-1")

	other := b.Subscribe("tasks", 0)
	defer other.Close()
	b.Bind(other, "sess-2")

	unpinned := b.Subscribe("users", 0)
	defer unpinned.Close()

	assert.Equal(t, 1, b.DropSession("sess-1"))

	select {
	case <-pinned.Invalidated:
	case <-time.After(time.Second):
		t.Fatal("pinned subscription was not invalidated")
	}
	select {
	case <-other.Invalidated:
		t.Fatal("unrelated session was invalidated")
	default:
	}

	// Dropping an unknown or empty session touches nothing.
	assert.Equal(t, 0, b.DropSession("sess-1"))
	assert.Equal(t, 0, b.DropSession(""))
}

func TestBrokerResourceIsolation(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("tasks", 0)
	defer sub.Close()

	b.Publish(&Entry{Seq: 1, Resource: "users", RecordID: "u1", Op: OpCreate})
	b.Publish(entry(1, OpCreate, "t1"))

	e := recv(t, sub)
	assert.Equal(t, "tasks", e.Resource)
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected extra entry: %+v", e)
	default:
	}
}
