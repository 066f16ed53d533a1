// Package bus provides the bounded FIFO queues that connect the pipeline
// stages. Queues are in-process and typed: producers enqueue with exponential
// backoff while a queue is full, consumers block on dequeue. The enrichment
// queue is the only one allowed to shed under pressure.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Logical channel names.
const (
	QueueIngestion  = "ingestion"
	QueueTriage     = "triage"
	QueueAnalysis   = "analysis"
	QueueEnrichment = "enrichment"
	QueuePlanning   = "planning"
	QueueExecution  = "execution"
	QueueResponse   = "response"
)

const (
	defaultCapacity = 128

	backoffInitial = 10 * time.Millisecond
	backoffMax     = time.Second
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("bus: queue full")

// Queue is a bounded FIFO channel between two pipeline stages.
type Queue[T any] struct {
	name     string
	ch       chan T
	dropped  atomic.Int64
	enqueued atomic.Int64
}

// NewQueue creates a bounded queue. Non-positive capacity falls back to the
// default.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue[T]{name: name, ch: make(chan T, capacity)}
}

func (q *Queue[T]) Name() string    { return q.name }
func (q *Queue[T]) Len() int        { return len(q.ch) }
func (q *Queue[T]) Cap() int        { return cap(q.ch) }
func (q *Queue[T]) Dropped() int64  { return q.dropped.Load() }
func (q *Queue[T]) Enqueued() int64 { return q.enqueued.Load() }

// TryEnqueue attempts a non-blocking enqueue.
func (q *Queue[T]) TryEnqueue(v T) error {
	select {
	case q.ch <- v:
		q.enqueued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue pushes v, backing off exponentially (10ms doubling, capped at 1s)
// while the queue is full. Returns ctx.Err() if cancelled first.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	backoff := backoffInitial
	for {
		select {
		case q.ch <- v:
			q.enqueued.Add(1)
			return nil
		default:
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case q.ch <- v:
			timer.Stop()
			q.enqueued.Add(1)
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Shed attempts a non-blocking enqueue and counts the item as dropped when the
// queue is full. Only low-priority channels use this.
func (q *Queue[T]) Shed(v T) bool {
	if err := q.TryEnqueue(v); err != nil {
		q.dropped.Add(1)
		return false
	}
	return true
}

// Dequeue blocks until an item is available or ctx is cancelled.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case v := <-q.ch:
		return v, nil
	}
}

// Bus bundles the pipeline queues.
type Bus struct {
	Ingestion  *Queue[InboundEvent]
	Triage     *Queue[TriagePayload]
	Analysis   *Queue[AnalysisPayload]
	Enrichment *Queue[EnrichmentPayload]
	Planning   *Queue[PlanningPayload]
	Execution  *Queue[AnalystSnapshot]
	Response   *Queue[ContextBundle]
}

// Capacities configures per-queue bounds. Zero values use the default.
type Capacities struct {
	Ingestion  int
	Triage     int
	Analysis   int
	Enrichment int
	Planning   int
	Execution  int
	Response   int
}

// New creates the pipeline bus.
func New(c Capacities) *Bus {
	return &Bus{
		Ingestion:  NewQueue[InboundEvent](QueueIngestion, c.Ingestion),
		Triage:     NewQueue[TriagePayload](QueueTriage, c.Triage),
		Analysis:   NewQueue[AnalysisPayload](QueueAnalysis, c.Analysis),
		Enrichment: NewQueue[EnrichmentPayload](QueueEnrichment, c.Enrichment),
		Planning:   NewQueue[PlanningPayload](QueuePlanning, c.Planning),
		Execution:  NewQueue[AnalystSnapshot](QueueExecution, c.Execution),
		Response:   NewQueue[ContextBundle](QueueResponse, c.Response),
	}
}
