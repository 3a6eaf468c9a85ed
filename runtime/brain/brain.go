// Package brain defines the core data model for the brain execution runtime:
// events, runs, the running-brain tree, step info, signals, and webhook
// registrations. It has no dependency on any particular persistence backend,
// transport, or LLM provider — those live in sibling packages (eventlog,
// runstore, dispatcher, providers) that import brain, never the reverse.
package brain

import "encoding/json"

// Ident identifies a brain definition by its stable slug, independent of
// title or filename. Brain definitions are resolved by the dispatcher through
// exact filename, exact title, or fuzzy match against this identifier space.
type Ident string

// Status is the externally visible lifecycle status of a run, derived from
// the state machine's projection of its event log.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusWaiting   Status = "WAITING"
	StatusComplete  Status = "COMPLETE"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s accepts no further events.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// EventType enumerates the closed tag set of append-only event kinds
// described in spec §3.
type EventType string

const (
	EventStart   EventType = "START"
	EventResumed EventType = "RESUMED"
	EventComplete EventType = "COMPLETE"
	EventError    EventType = "ERROR"
	EventCancelled EventType = "CANCELLED"
	EventPaused    EventType = "PAUSED"
	EventRestart   EventType = "RESTART"

	EventStepStart    EventType = "STEP_START"
	EventStepComplete EventType = "STEP_COMPLETE"
	EventStepStatus   EventType = "STEP_STATUS"
	EventStepRetry    EventType = "STEP_RETRY"

	EventWebhook         EventType = "WEBHOOK"
	EventWebhookResponse EventType = "WEBHOOK_RESPONSE"

	EventAgentStart             EventType = "AGENT_START"
	EventAgentIteration         EventType = "AGENT_ITERATION"
	EventAgentRawResponseMsg    EventType = "AGENT_RAW_RESPONSE_MESSAGE"
	EventAgentToolCall          EventType = "AGENT_TOOL_CALL"
	EventAgentToolResult        EventType = "AGENT_TOOL_RESULT"
	EventAgentAssistantMessage  EventType = "AGENT_ASSISTANT_MESSAGE"
	EventAgentUserMessage       EventType = "AGENT_USER_MESSAGE"
	EventAgentWebhook           EventType = "AGENT_WEBHOOK"
	EventAgentComplete          EventType = "AGENT_COMPLETE"
	EventAgentTokenLimit        EventType = "AGENT_TOKEN_LIMIT"
	EventAgentIterationLimit    EventType = "AGENT_ITERATION_LIMIT"

	EventBatchChunkComplete EventType = "BATCH_CHUNK_COMPLETE"

	// EventBrainChildLinked is a supplemented event (SPEC_FULL §Supplemented
	// Features #1) that links an outer run to a nested run. The projection
	// accepts it, but no runtime code emits it: a Brain block's nested events
	// are written to the outer run's own log.
	EventBrainChildLinked EventType = "BRAIN_CHILD_LINKED"
)

type (
	// Event is the atomic, immutable unit appended to a run's event log.
	// Events are totally ordered per run via the monotonic Seq field.
	Event struct {
		RunID   string          `json:"runId"`
		Seq     int64           `json:"seq"`
		Type    EventType       `json:"type"`
		Options map[string]any  `json:"options,omitempty"`
		At      int64           `json:"at"` // unix nanos, set by the event log on append
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// StepStatus is the lifecycle status of one step within a brain's block list.
	StepStatus string
)

const (
	StepPending StepStatus = "PENDING"
	StepRunning StepStatus = "RUNNING"
	StepComplete StepStatus = "COMPLETE"
	StepError    StepStatus = "ERROR"
	StepHalted   StepStatus = "HALTED"
)

// StepInfo describes one step's projected status, matching spec §3.
type StepInfo struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Status     StepStatus      `json:"status"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	InnerSteps []StepInfo      `json:"innerSteps,omitempty"`
}

// WebhookRegistration is a suspension point waiting on an external payload.
// Uniqueness is (Slug, Identifier) per active run; Token validates submissions.
type WebhookRegistration struct {
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
}

// Matches reports whether a submitted (slug, identifier, token) satisfies r.
func (r WebhookRegistration) Matches(slug, identifier, token string) bool {
	return r.Slug == slug && r.Identifier == identifier && r.Token == token
}

// Run is the persisted header for one brain execution, independent of the
// full event log. See spec §6 "Persisted state layout".
type Run struct {
	BrainRunID  string         `json:"brainRunId"`
	BrainTitle  string         `json:"brainTitle"`
	Type        string         `json:"type"`
	Status      Status         `json:"status"`
	Options     map[string]any `json:"options,omitempty"`
	Error       *RunError      `json:"error,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	LastSeq     int64          `json:"lastSeq"`
}

// RunError is the terminal error recorded on a run, mirroring spec §7's
// ERROR event payload shape {name, message, stack?}.
type RunError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Bounds describes how a tool or step result has been truncated relative to
// the full underlying data set (list/window/graph caps). Supplied by tool
// implementations; the runtime never mutates it, only forwards it.
type Bounds struct {
	Kind        string `json:"kind"`
	Total       int    `json:"total,omitempty"`
	Returned    int    `json:"returned,omitempty"`
	Description string `json:"description,omitempty"`
}

// RetryHint carries structured guidance for recovering from a step or tool
// failure (SPEC_FULL Supplemented Features #3).
type RetryHint struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}
