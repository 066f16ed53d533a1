// Package coordinator executes analyst plans: tasks run in dependency waves,
// independent tasks in a wave run in parallel, and a newer message in the same
// chat cancels the in-flight run.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/llitpux/observer/internal/bus"
)

// Store is the graph surface the coordinator needs.
type Store interface {
	SetWorkingOn(ctx context.Context, taskID, description string) error
	ClearWorkingOn(ctx context.Context) error
	SaveCoordinatorSnapshot(ctx context.Context, analystID, summary string) (string, error)
	NewerUserMessage(ctx context.Context, chatID int64, since int64, excludeUID string) (bool, error)
}

// Tool executes one plan action.
type Tool interface {
	Name() string
	Run(ctx context.Context, args map[string]any) (string, error)
}

type run struct {
	snapshotID string
	cancel     context.CancelFunc
	displaced  bool // a newer snapshot for the chat took over
}

// Coordinator drives plan execution.
type Coordinator struct {
	store       Store
	tools       map[string]Tool
	taskTimeout time.Duration
	logger      *slog.Logger
	onCancelled func()

	mu      sync.Mutex
	running map[int64]*run // per chat
}

// New builds a coordinator over the given tool set.
func New(store Store, tools []Tool, taskTimeout time.Duration, logger *slog.Logger, onCancelled func()) *Coordinator {
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &Coordinator{
		store:       store,
		tools:       byName,
		taskTimeout: taskTimeout,
		logger:      logger,
		onCancelled: onCancelled,
		running:     make(map[int64]*run),
	}
}

// Execute runs one snapshot's plan to completion and returns the context
// bundle for the responder. ok is false when the run was cancelled, either by
// a newer snapshot for the same chat or by the execution context going away;
// side effects already performed stay in place and no response is produced.
func (c *Coordinator) Execute(ctx context.Context, snap bus.AnalystSnapshot) (bus.ContextBundle, bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := c.register(snap.ChatID, snap.ID, cancel)
	defer c.unregister(snap.ChatID, snap.ID)

	if err := c.store.SetWorkingOn(ctx, snap.ID, fmt.Sprintf("processing %s", snap.UID)); err != nil {
		c.logger.Warn("set working-on failed", "uid", snap.UID, "error", err)
	}

	bundle := bus.ContextBundle{Snapshot: snap}
	if snap.Fallback {
		bundle.ReplyStyle = "apology"
	}

	outputs, cancelled := c.runWaves(runCtx, snap)
	bundle.Outputs = outputs
	if style := replyStyle(snap.Tasks); style != "" {
		bundle.ReplyStyle = style
	}

	if cancelled {
		if c.wasDisplaced(r) {
			// The newer run owns the working-on edge now; leave it alone.
			if c.onCancelled != nil {
				c.onCancelled()
			}
			c.logger.Info("plan cancelled by newer snapshot", "chat_id", snap.ChatID, "uid", snap.UID)
			return bundle, false
		}
		// Plain cancellation (shutdown): the edge still belongs to this run
		// and the parent context is already dead, so clean up on a fresh one.
		clearCtx, cancelClear := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelClear()
		if err := c.store.ClearWorkingOn(clearCtx); err != nil {
			c.logger.Warn("clear working-on failed", "uid", snap.UID, "error", err)
		}
		c.logger.Info("plan aborted, execution context cancelled", "chat_id", snap.ChatID, "uid", snap.UID)
		return bundle, false
	}

	summary := summarizeOutputs(outputs)
	if _, err := c.store.SaveCoordinatorSnapshot(ctx, snap.ID, summary); err != nil {
		c.logger.Warn("coordinator snapshot save failed", "uid", snap.UID, "error", err)
	}
	if err := c.store.ClearWorkingOn(ctx); err != nil {
		c.logger.Warn("clear working-on failed", "uid", snap.UID, "error", err)
	}
	return bundle, true
}

// runWaves walks the dependency waves. Between waves it polls the graph for a
// newer user message in the same chat; when one arrived, remaining non-reply
// tasks are skipped so the reply can still be grounded in partial results.
func (c *Coordinator) runWaves(ctx context.Context, snap bus.AnalystSnapshot) (outputs []bus.ToolOutput, displaced bool) {
	waves := topoWaves(snap.Tasks)
	status := make(map[int]string, len(snap.Tasks))
	interrupted := false

	for waveNum, wave := range waves {
		if ctx.Err() != nil {
			return append(outputs, skipRemaining(waves[waveNum:], status)...), true
		}
		if waveNum > 0 && !interrupted {
			newer, err := c.store.NewerUserMessage(ctx, snap.ChatID, int64(snap.Timestamp), snap.UID)
			if err != nil {
				c.logger.Warn("mid-check failed", "chat_id", snap.ChatID, "error", err)
			} else if newer {
				interrupted = true
				c.logger.Info("newer message during plan, skipping remaining tool tasks",
					"chat_id", snap.ChatID, "uid", snap.UID)
			}
		}

		results := make([]bus.ToolOutput, len(wave))
		var wg sync.WaitGroup
		for i, task := range wave {
			if out, done := c.preflight(task, status, interrupted); done {
				results[i] = out
				continue
			}
			wg.Add(1)
			go func(i int, task bus.PlanTask) {
				defer wg.Done()
				results[i] = c.runTask(ctx, task)
			}(i, task)
		}
		wg.Wait()

		for _, out := range results {
			status[out.TaskID] = out.Status
			outputs = append(outputs, out)
		}
		if ctx.Err() != nil {
			return append(outputs, skipRemaining(waves[waveNum+1:], status)...), true
		}
	}
	return outputs, false
}

// preflight decides whether a task can be skipped without running: reply
// markers never execute a tool, interrupted runs skip remaining tools, and a
// failed dependency skips its dependents.
func (c *Coordinator) preflight(task bus.PlanTask, status map[int]string, interrupted bool) (bus.ToolOutput, bool) {
	if task.Action == bus.ActionReply {
		return bus.ToolOutput{TaskID: task.ID, Action: task.Action, Status: bus.TaskStatusOK}, true
	}
	if interrupted {
		return bus.ToolOutput{TaskID: task.ID, Action: task.Action, Status: bus.TaskStatusSkipped,
			Result: "пропущено: надійшло новіше повідомлення"}, true
	}
	for _, dep := range task.DependsOn {
		if s, ok := status[dep]; ok && s != bus.TaskStatusOK {
			return bus.ToolOutput{TaskID: task.ID, Action: task.Action, Status: bus.TaskStatusSkipped,
				Result: fmt.Sprintf("пропущено: залежність %d має статус %s", dep, s)}, true
		}
	}
	return bus.ToolOutput{}, false
}

func (c *Coordinator) runTask(ctx context.Context, task bus.PlanTask) bus.ToolOutput {
	out := bus.ToolOutput{TaskID: task.ID, Action: task.Action}

	tool, ok := c.tools[task.Action]
	if !ok {
		out.Status = bus.TaskStatusError
		out.Result = fmt.Sprintf("no tool for action %s", task.Action)
		return out
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	result, err := tool.Run(taskCtx, task.Args)
	switch {
	case err == nil:
		out.Status = bus.TaskStatusOK
		out.Result = result
	case taskCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		out.Status = bus.TaskStatusTimedOut
		c.logger.Warn("tool task timed out", "action", task.Action, "task_id", task.ID)
	case IsRejected(err):
		out.Status = bus.TaskStatusRejected
		out.Result = err.Error()
	default:
		out.Status = bus.TaskStatusError
		out.Result = err.Error()
		c.logger.Warn("tool task failed", "action", task.Action, "task_id", task.ID, "error", err)
	}
	return out
}

// register installs this run as the chat's current one, cancelling any run it
// displaces.
func (c *Coordinator) register(chatID int64, snapshotID string, cancel context.CancelFunc) *run {
	c.mu.Lock()
	prev := c.running[chatID]
	cur := &run{snapshotID: snapshotID, cancel: cancel}
	c.running[chatID] = cur
	if prev != nil {
		prev.displaced = true
	}
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return cur
}

func (c *Coordinator) wasDisplaced(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.displaced
}

func (c *Coordinator) unregister(chatID int64, snapshotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.running[chatID]; cur != nil && cur.snapshotID == snapshotID {
		delete(c.running, chatID)
	}
}

func skipRemaining(waves [][]bus.PlanTask, status map[int]string) []bus.ToolOutput {
	var outs []bus.ToolOutput
	for _, wave := range waves {
		for _, task := range wave {
			if _, done := status[task.ID]; done {
				continue
			}
			outs = append(outs, bus.ToolOutput{
				TaskID: task.ID, Action: task.Action, Status: bus.TaskStatusSkipped,
				Result: "пропущено: виконання скасовано",
			})
			status[task.ID] = bus.TaskStatusSkipped
		}
	}
	return outs
}

func replyStyle(tasks []bus.PlanTask) string {
	for _, t := range tasks {
		if t.Action == bus.ActionReply {
			if style, ok := t.Args["style"].(string); ok {
				return style
			}
		}
	}
	return ""
}

func summarizeOutputs(outputs []bus.ToolOutput) string {
	var b strings.Builder
	for _, o := range outputs {
		fmt.Fprintf(&b, "[%d %s] %s", o.TaskID, o.Action, o.Status)
		if o.Result != "" {
			fmt.Fprintf(&b, ": %s", truncate(o.Result, 200))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// topoWaves groups tasks into dependency waves: wave 0 holds tasks with no
// dependencies, wave 1 tasks depending only on wave 0, and so on. Plans reach
// the coordinator already validated, so a cycle cannot occur; if one does, the
// cyclic tasks are simply dropped.
func topoWaves(tasks []bus.PlanTask) [][]bus.PlanTask {
	var waves [][]bus.PlanTask
	processed := make(map[int]bool, len(tasks))

	for len(processed) < len(tasks) {
		var wave []bus.PlanTask
		for _, t := range tasks {
			if processed[t.ID] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			break
		}
		waves = append(waves, wave)
		for _, t := range wave {
			processed[t.ID] = true
		}
	}
	return waves
}
