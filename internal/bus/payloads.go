package bus

import "fmt"

// Event sources.
const (
	SourceUser  = "user"
	SourceAgent = "agent"
)

// InboundEvent is a raw chat event as delivered by the transport adapter or
// looped back by the Responder.
type InboundEvent struct {
	ChatID     int64
	ChatName   string
	ChatType   string // private | group | supergroup
	MessageID  int64
	Source     string // user | agent
	SenderID   int64
	SenderName string
	Username   string
	Text       string
	Timestamp  float64 // seconds since epoch
	MediaKind  string  // "" for plain text; sticker | voice | photo | video
}

// UID returns the graph identity of the message.
func (e InboundEvent) UID() string {
	return fmt.Sprintf("%d:%d", e.ChatID, e.MessageID)
}

// TriagePayload points the Gatekeeper at a persisted message.
type TriagePayload struct {
	UID       string
	ChatID    int64
	Timestamp float64
	Event     InboundEvent
}

// Verdict is the Gatekeeper triage tuple.
type Verdict struct {
	Target        string `json:"target"`         // DIRECT | CONTEXTUAL | NOBODY | OTHER_USER
	RequiredDepth string `json:"required_depth"` // QUICK_REPLY | DEEP_ANALYSIS | SKIP
	ToneHint      string `json:"tone_hint"`      // HUMOR | SERIOUS | NEUTRAL
}

// AnalysisPayload carries a triaged message to the Thinker for deep analysis.
type AnalysisPayload struct {
	UID       string
	ChatID    int64
	Timestamp float64
	Event     InboundEvent
	Verdict   Verdict
}

// TopicRef names a conversation topic extracted by the Thinker.
type TopicRef struct {
	Title string `json:"title"`
	IsNew bool   `json:"is_new"`
}

// EntityRef names a shared concept tag extracted by the Thinker.
type EntityRef struct {
	Name string `json:"name"`
	Type string `json:"type"` // Technology | Person | Concept | Tool
}

// EnrichmentPayload is the Thinker's semantic output, written back into the
// graph by the Scribe.
type EnrichmentPayload struct {
	UID       string
	Topics    []TopicRef
	Entities  []EntityRef
	Narrative string
}

// PlanningPayload asks the Analyst for a plan. Narrative is empty when the
// Gatekeeper routed the message straight past the Thinker.
type PlanningPayload struct {
	UID         string
	ChatID      int64
	Timestamp   float64
	Event       InboundEvent
	Verdict     Verdict
	Narrative   string
	NarrativeID string
}

// PlanTask is a single node in an Analyst plan.
type PlanTask struct {
	ID        int            `json:"id"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty"`
}

// AnalystSnapshot is an executable plan for one message.
type AnalystSnapshot struct {
	ID          string
	UID         string
	ChatID      int64
	Timestamp   float64
	Event       InboundEvent
	Verdict     Verdict
	Narrative   string
	NarrativeID string
	Intent      string // QUESTION | COMMAND | SMALL_TALK | NOISE
	Tasks       []PlanTask
	Fallback    bool // plan is the apology fallback, not LLM output
}

// Plan actions.
const (
	ActionReply            = "reply"
	ActionSearchGraph      = "search_graph"
	ActionSearchWeb        = "search_web"
	ActionFetchUserProfile = "fetch_user_profile"
	ActionRememberFact     = "remember_fact"
)

// Tool task statuses.
const (
	TaskStatusOK       = "ok"
	TaskStatusTimedOut = "timed_out"
	TaskStatusRejected = "rejected"
	TaskStatusError    = "error"
	TaskStatusSkipped  = "skipped"
)

// ToolOutput is the result of one executed plan task.
type ToolOutput struct {
	TaskID int
	Action string
	Status string
	Result string
}

// ContextBundle is what the Coordinator hands to the Responder: the plan plus
// every tool output gathered while executing it.
type ContextBundle struct {
	Snapshot   AnalystSnapshot
	Outputs    []ToolOutput
	ReplyStyle string // e.g. "apology" when the fallback plan ran
}
