// Package summary writes the daily chronicle: every night the previous day's
// messages are condensed into one DaySummary node.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/llitpux/observer/internal/graph"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
)

// defaultSchedule fires shortly after midnight UTC.
const defaultSchedule = "10 0 * * *"

// Store is the graph surface the summarizer needs.
type Store interface {
	MessagesForDay(ctx context.Context, date string) ([]graph.ContextMessage, error)
	SaveDaySummary(ctx context.Context, date, text string) error
}

// Caller routes an LLM call.
type Caller interface {
	Call(ctx context.Context, messages []provider.Message) (content, providerUsed string, err error)
}

// Summarizer owns the nightly cron job.
type Summarizer struct {
	store   Store
	llm     Caller
	prompts *prompt.Assembler
	logger  *slog.Logger
	cron    *cronlib.Cron
	spec    string
	now     func() time.Time
}

// New builds the summarizer. An empty schedule selects the default nightly
// run.
func New(store Store, llm Caller, prompts *prompt.Assembler, logger *slog.Logger, schedule string) *Summarizer {
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Summarizer{
		store:   store,
		llm:     llm,
		prompts: prompts,
		logger:  logger,
		spec:    schedule,
		now:     time.Now,
	}
}

// Start schedules the nightly job.
func (s *Summarizer) Start() error {
	s.cron = cronlib.New()
	_, err := s.cron.AddFunc(s.spec, func() {
		date := s.now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		if err := s.RunOnce(context.Background(), date); err != nil {
			s.logger.Error("daily summary failed", "date", date, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily summary: %w", err)
	}
	s.cron.Start()
	s.logger.Info("daily summary scheduled", "spec", s.spec)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Summarizer) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce summarizes a single day. Days without messages are skipped.
func (s *Summarizer) RunOnce(ctx context.Context, date string) error {
	msgs, err := s.store.MessagesForDay(ctx, date)
	if err != nil {
		return fmt.Errorf("messages for %s: %w", date, err)
	}
	if len(msgs) == 0 {
		s.logger.Debug("no messages to summarize", "date", date)
		return nil
	}

	system, err := s.prompts.Assemble(ctx, prompt.RoleSummarizer, "")
	if err != nil {
		return fmt.Errorf("assemble prompt: %w", err)
	}

	out, _, err := s.llm.Call(ctx, []provider.Message{
		provider.System(system),
		provider.User(renderTranscript(date, msgs)),
	})
	if err != nil {
		return fmt.Errorf("summarize %s: %w", date, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return fmt.Errorf("empty summary for %s", date)
	}

	if err := s.store.SaveDaySummary(ctx, date, out); err != nil {
		return fmt.Errorf("save summary for %s: %w", date, err)
	}
	s.logger.Info("daily summary saved", "date", date, "messages", len(msgs))
	return nil
}

func renderTranscript(date string, msgs []graph.ContextMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ДЕНЬ %s, %d повідомлень:\n\n", date, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Name, m.Author, m.Text)
	}
	b.WriteString("\nСтисло підсумуй день українською: головні теми, настрій, що варто пам'ятати.")
	return b.String()
}
