// Package scribe is the pipeline's only writer of raw events: it persists
// inbound messages into the graph and applies the Thinker's enrichment.
package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/llitpux/observer/internal/bus"
)

const (
	maxAttempts  = 5
	baseDelay    = 200 * time.Millisecond
	maxDelay     = 5 * time.Second
	jitterFactor = 0.5
)

// Store is the graph surface the scribe writes through.
type Store interface {
	PersistEvent(ctx context.Context, e bus.InboundEvent) (uid string, created bool, err error)
	Enrich(ctx context.Context, p bus.EnrichmentPayload) error
}

// Scribe persists events with bounded retries. A write that still fails after
// the last attempt is logged and dropped so the pipeline never stalls on the
// graph.
type Scribe struct {
	store         Store
	logger        *slog.Logger
	onUnpersisted func()
	sleep         func(ctx context.Context, d time.Duration) error
}

// New builds the scribe. onUnpersisted fires once per event dropped after
// retry exhaustion.
func New(store Store, logger *slog.Logger, onUnpersisted func()) *Scribe {
	return &Scribe{
		store:         store,
		logger:        logger,
		onUnpersisted: onUnpersisted,
		sleep:         sleepCtx,
	}
}

// Ingest persists one event. ok is true when the event should continue to
// triage: agent loopback events are persisted for memory but never triaged,
// and an unpersisted event goes nowhere.
func (s *Scribe) Ingest(ctx context.Context, e bus.InboundEvent) (bus.TriagePayload, bool) {
	err := s.withRetry(ctx, "persist", e.UID(), func() error {
		_, _, perr := s.store.PersistEvent(ctx, e)
		return perr
	})
	if err != nil {
		s.logger.Error("event unpersisted after retries", "uid", e.UID(), "error", err)
		if s.onUnpersisted != nil {
			s.onUnpersisted()
		}
		return bus.TriagePayload{}, false
	}
	if e.Source != bus.SourceUser {
		return bus.TriagePayload{}, false
	}
	return bus.TriagePayload{UID: e.UID(), ChatID: e.ChatID, Timestamp: e.Timestamp, Event: e}, true
}

// ApplyEnrichment writes the Thinker's topics and entities for a message.
func (s *Scribe) ApplyEnrichment(ctx context.Context, p bus.EnrichmentPayload) error {
	if len(p.Topics) == 0 && len(p.Entities) == 0 {
		return nil
	}
	if err := s.withRetry(ctx, "enrich", p.UID, func() error {
		return s.store.Enrich(ctx, p)
	}); err != nil {
		return fmt.Errorf("enrich %s: %w", p.UID, err)
	}
	return nil
}

func (s *Scribe) withRetry(ctx context.Context, op, uid string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := retryDelay(attempt)
		s.logger.Warn("graph write failed, retrying",
			"op", op, "uid", uid, "attempt", attempt, "delay", delay, "error", err)
		if serr := s.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

// retryDelay grows exponentially with a random jitter so concurrent workers
// do not hammer a recovering graph in lockstep.
func retryDelay(attempt int) time.Duration {
	delay := baseDelay << (attempt - 1)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(float64(delay) * jitterFactor)))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
