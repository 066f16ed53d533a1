package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one prompt/response pair recorded in the thought log.
type LogEntry struct {
	ID        string
	Timestamp int64
	Prompt    string
	Response  string
	Model     string
}

// ThoughtLog records reasoning-process entries in a separate logical graph so
// they never pollute primary analytics. Writes are fire-and-forget through a
// bounded queue; entries are dropped (with a log line) when the writer cannot
// keep up.
type ThoughtLog struct {
	q     Querier
	graph string
	logr  *slog.Logger
	ch    chan LogEntry
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewThoughtLog creates the log and starts its single writer goroutine.
func NewThoughtLog(ctx context.Context, q Querier, graphName string, logger *slog.Logger) *ThoughtLog {
	t := &ThoughtLog{
		q:     q,
		graph: graphName,
		logr:  logger,
		ch:    make(chan LogEntry, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

// Record queues an entry without blocking the caller.
func (t *ThoughtLog) Record(prompt, response, model string) {
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Unix(),
		Prompt:    prompt,
		Response:  response,
		Model:     model,
	}
	select {
	case t.ch <- entry:
	default:
		t.logr.Warn("thought log queue full, entry dropped", "model", model)
	}
}

// Close stops the writer and waits for it to flush buffered entries. Safe to
// call more than once; returns regardless of the constructor context's state.
func (t *ThoughtLog) Close() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

func (t *ThoughtLog) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case <-t.stop:
			t.drain()
			return
		case entry := <-t.ch:
			if err := t.append(ctx, entry); err != nil {
				t.logr.Warn("thought log write failed", "error", err)
			}
		}
	}
}

// drain flushes whatever is still buffered at shutdown, on its own deadline
// since the constructor context may already be cancelled.
func (t *ThoughtLog) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case entry := <-t.ch:
			if err := t.append(ctx, entry); err != nil {
				t.logr.Warn("thought log write failed during drain", "error", err)
				return
			}
		default:
			return
		}
	}
}

func (t *ThoughtLog) append(ctx context.Context, e LogEntry) error {
	cypher := fmt.Sprintf(
		"CREATE (l:LogEntry {id: '%s', timestamp: %d, prompt: '%s', response: '%s', model: '%s'})",
		e.ID, e.Timestamp, Escape(e.Prompt), Escape(e.Response), Escape(e.Model))
	_, err := t.q.Query(ctx, t.graph, cypher)
	return err
}

// RecentResponses returns log responses recorded within the window, newest
// first.
func (t *ThoughtLog) RecentResponses(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	cutoff := time.Now().UTC().Add(-window).Unix()
	cypher := fmt.Sprintf(
		"MATCH (l:LogEntry) WHERE l.timestamp >= %d RETURN l.response ORDER BY l.timestamp DESC LIMIT %d",
		cutoff, limit)
	res, err := t.q.Query(ctx, t.graph, cypher)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range res.Rows {
		if len(row) > 0 {
			if v := AsString(row[0]); v != "" {
				out = append(out, v)
			}
		}
	}
	return out, nil
}
