package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[int]("test", 8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		v, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if v != i {
			t.Errorf("dequeue %d: got %d", i, v)
		}
	}
}

func TestTryEnqueueFull(t *testing.T) {
	q := NewQueue[string]("test", 1)
	if err := q.TryEnqueue("a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.TryEnqueue("b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestEnqueueBacksOffUntilSpace(t *testing.T) {
	q := NewQueue[int]("test", 1)
	if err := q.TryEnqueue(1); err != nil {
		t.Fatalf("fill: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- q.Enqueue(ctx, 2)
	}()

	time.Sleep(30 * time.Millisecond)
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked enqueue: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not complete after space freed")
	}

	v, err := q.Dequeue(context.Background())
	if err != nil || v != 2 {
		t.Fatalf("got (%d, %v), want (2, nil)", v, err)
	}
}

func TestEnqueueCancelledWhileFull(t *testing.T) {
	q := NewQueue[int]("test", 1)
	if err := q.TryEnqueue(1); err != nil {
		t.Fatalf("fill: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestShedCountsDropped(t *testing.T) {
	q := NewQueue[int]("enrichment", 1)
	if !q.Shed(1) {
		t.Fatal("first shed should succeed")
	}
	if q.Shed(2) {
		t.Fatal("second shed should drop")
	}
	if got := q.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if got := q.Enqueued(); got != 1 {
		t.Errorf("enqueued = %d, want 1", got)
	}
}

func TestDequeueCancelled(t *testing.T) {
	q := NewQueue[int]("test", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDefaultCapacity(t *testing.T) {
	q := NewQueue[int]("test", 0)
	if q.Cap() != defaultCapacity {
		t.Fatalf("cap = %d, want %d", q.Cap(), defaultCapacity)
	}
}

func TestInboundEventUID(t *testing.T) {
	e := InboundEvent{ChatID: 1, MessageID: 100}
	if got := e.UID(); got != "1:100" {
		t.Fatalf("uid = %q, want %q", got, "1:100")
	}
}
