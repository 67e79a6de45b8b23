package systemmode

import (
	"testing"
	"time"
)

func TestOutboundQueueDrainsInOrder(t *testing.T) {
	q := NewOutboundQueue(4, 0)
	var order []string

	for _, id := range []string{"a", "b", "c"} {
		id := id
		ok := q.Push(OutboundItem{ID: id, InstanceID: id, Run: func() { order = append(order, id) }})
		if !ok {
			t.Fatalf("expected Push(%s) to succeed", id)
		}
	}

	q.Drain()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected drain order: %v", order)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after drain, want 0", q.Len())
	}
}

func TestOutboundQueueRejectsPushAtCapacity(t *testing.T) {
	q := NewOutboundQueue(1, 0)
	if ok := q.Push(OutboundItem{ID: "a", Run: func() {}}); !ok {
		t.Fatal("expected first push to succeed")
	}
	if ok := q.Push(OutboundItem{ID: "b", Run: func() {}}); ok {
		t.Fatal("expected push at capacity to be rejected")
	}
}

func TestOutboundQueueSkipsExpiredItems(t *testing.T) {
	q := NewOutboundQueue(4, 0)
	var ran bool
	q.Push(OutboundItem{ID: "expired", ExpiresAt: time.Now().Add(-time.Second), Run: func() { ran = true }})
	q.Drain()
	if ran {
		t.Fatal("expected an already-expired item to be skipped, not run")
	}
}

func TestInboundBufferFlushesInBatches(t *testing.T) {
	b := NewInboundBuffer(10, 2, 0)
	for i := 0; i < 5; i++ {
		if !b.Push(InboundEvent{InstanceID: "inst", Event: "message"}) {
			t.Fatalf("expected push %d to succeed", i)
		}
	}

	var handled int
	b.Flush(func(ev InboundEvent) { handled++ })
	if handled != 5 {
		t.Fatalf("handled = %d, want 5", handled)
	}
}

func TestInboundBufferRejectsPushPastCapacity(t *testing.T) {
	b := NewInboundBuffer(1, 1, 0)
	if !b.Push(InboundEvent{InstanceID: "a"}) {
		t.Fatal("expected first push to succeed")
	}
	if b.Push(InboundEvent{InstanceID: "b"}) {
		t.Fatal("expected push past capacity to be rejected")
	}
}
