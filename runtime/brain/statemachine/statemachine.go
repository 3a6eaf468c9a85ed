// Package statemachine implements the pure projection events → (state,
// context) described in spec §4.2: a labelled transition system over
// MachineState with reducers that fold the Running-Brain Tree, the current
// JSON state, pending webhooks, and the agent context. Project is
// deterministic: calling it twice on the same event slice yields equal
// results, and projecting a prefix of a log yields a prefix-consistent
// result (spec §8 invariant 1).
package statemachine

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/brainstack/brains/runtime/brain"
)

// MachineState is one of the labelled states from spec §4.2.
type MachineState string

const (
	Idle      MachineState = "idle"
	Running   MachineState = "running"
	AgentLoop MachineState = "agentLoop"
	Paused    MachineState = "paused"
	Waiting   MachineState = "waiting"
	Complete  MachineState = "complete"
	Error     MachineState = "error"
	Cancelled MachineState = "cancelled"
)

// State is the full projected context carried alongside MachineState.
type State struct {
	Machine MachineState

	RootBrain *brain.BrainNode
	Depth     int

	CurrentStepID    string
	CurrentStepTitle string
	CurrentState     map[string]any

	PendingWebhooks []brain.WebhookRegistration
	AgentContext    *brain.AgentContext

	TotalTokens       int
	TopLevelStepCount int

	TerminalError *brain.RunError

	LastSeq int64
}

// New returns the initial idle projection.
func New() *State {
	return &State{Machine: Idle, CurrentState: map[string]any{}}
}

// Status derives the externally visible run status from the machine state.
// agentLoop surfaces as RUNNING: consumers never need to observe the agent
// sub-state directly (spec §4.2).
func (s *State) Status() brain.Status {
	switch s.Machine {
	case Idle:
		return brain.StatusPending
	case Running, AgentLoop:
		return brain.StatusRunning
	case Paused:
		return brain.StatusPaused
	case Waiting:
		return brain.StatusWaiting
	case Complete:
		return brain.StatusComplete
	case Error:
		return brain.StatusError
	case Cancelled:
		return brain.StatusCancelled
	default:
		return brain.StatusPending
	}
}

// HasAgentContext reports whether an agent loop is paused or in flight.
func (s *State) HasAgentContext() bool { return s.AgentContext != nil }

// Project folds an ordered event slice into a State, starting from idle.
// It never mutates its input.
func Project(events []brain.Event) (*State, error) {
	s := New()
	for _, e := range events {
		if err := s.apply(e); err != nil {
			return s, fmt.Errorf("statemachine: event seq=%d type=%s: %w", e.Seq, e.Type, err)
		}
	}
	return s, nil
}

// Apply folds a single event onto an existing projection, for incremental
// (streaming) use by live watchers that don't want to re-scan the whole log
// on every event.
func (s *State) Apply(e brain.Event) error {
	return s.apply(e)
}

func (s *State) apply(e brain.Event) error {
	// Terminal states reject further transitions except `error`, which
	// accepts trailing STEP_STATUS events for the final UI snapshot (spec
	// §4.2); their number is not checked. The stream generator itself emits
	// no STEP_STATUS after ERROR.
	if s.Machine == Complete || s.Machine == Cancelled {
		return fmt.Errorf("terminal state %s rejects further events", s.Machine)
	}
	if s.Machine == Error && e.Type != brain.EventStepStatus {
		return fmt.Errorf("terminal state error rejects %s (only a trailing STEP_STATUS is accepted)", e.Type)
	}

	s.LastSeq = e.Seq

	switch e.Type {
	case brain.EventStart, brain.EventRestart:
		return s.applyStartOrRestart(e)
	case brain.EventResumed:
		s.Machine = Running
	case brain.EventComplete:
		return s.applyComplete()
	case brain.EventError:
		return s.applyError(e)
	case brain.EventCancelled:
		s.Machine = Cancelled
		s.Depth = 0
		s.PendingWebhooks = nil
	case brain.EventPaused:
		s.Machine = Paused
	case brain.EventStepStart:
		return s.applyStepStart(e)
	case brain.EventStepComplete:
		return s.applyStepComplete(e)
	case brain.EventStepStatus:
		return s.applyStepStatus(e)
	case brain.EventStepRetry:
		// Informational only; no structural change to the tree.
	case brain.EventWebhook:
		return s.applyWebhook(e)
	case brain.EventWebhookResponse:
		s.PendingWebhooks = nil
		s.Machine = s.postWebhookResponseState()
	case brain.EventAgentStart:
		return s.applyAgentStart(e)
	case brain.EventAgentIteration:
		return s.applyAgentIteration(e)
	case brain.EventAgentRawResponseMsg:
		return s.applyAgentRawResponseMessage(e)
	case brain.EventAgentToolCall:
		return s.applyAgentToolCall(e)
	case brain.EventAgentToolResult:
		return s.applyAgentToolResult(e)
	case brain.EventAgentAssistantMessage, brain.EventAgentUserMessage:
		// No structural change; these are observability-only for the FSM.
	case brain.EventAgentWebhook:
		return s.applyAgentWebhook(e)
	case brain.EventAgentComplete, brain.EventAgentTokenLimit, brain.EventAgentIterationLimit:
		s.AgentContext = nil
		s.Machine = Running
	case brain.EventBatchChunkComplete:
		// No FSM change; resume-context reconstruction re-derives batch
		// progress directly from the log (see actor package).
	case brain.EventBrainChildLinked:
		// Purely informational linkage marker; no FSM change.
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

func (s *State) postWebhookResponseState() MachineState {
	if s.HasAgentContext() {
		return AgentLoop
	}
	return Running
}

func (s *State) applyStartOrRestart(e brain.Event) error {
	if e.Type == brain.EventRestart {
		return s.applyRestart(e)
	}
	p, err := brain.DecodePayload[brain.StartPayload](e)
	if err != nil {
		return err
	}
	s.push(p.Title, p.ParentStepID)
	if s.Depth == 1 {
		s.TopLevelStepCount = p.TopLevelStepCount
		if p.InitialState != nil {
			s.CurrentState = cloneMap(p.InitialState)
		}
	}
	s.Machine = Running
	return nil
}

// push appends a fresh brain node as the new deepest node.
func (s *State) push(title, parentStepID string) *brain.BrainNode {
	node := &brain.BrainNode{Title: title, ParentStepID: parentStepID}
	s.Depth++
	if s.RootBrain == nil {
		s.RootBrain = node
		return node
	}
	deepest := s.RootBrain.Deepest()
	deepest.InnerBrain = node
	return node
}

func (s *State) applyRestart(e brain.Event) error {
	p, err := brain.DecodePayload[brain.RestartPayload](e)
	if err != nil {
		return err
	}
	deepest := s.RootBrain.Deepest()
	switch {
	case deepest == nil:
		// RESTART from idle creates a fresh root.
		s.push(p.Title, "")
	case deepest.Title == p.Title:
		// Replace the deepest node in place: resume of the same brain.
		// Depth is unchanged; a fresh step slate awaits STEP_STATUS events.
		*deepest = brain.BrainNode{Title: p.Title, ParentStepID: deepest.ParentStepID}
	default:
		// Restart of a nested brain distinct from the current deepest one:
		// push a new node.
		s.push(p.Title, s.CurrentStepID)
	}
	if s.HasAgentContext() {
		s.Machine = AgentLoop
	} else {
		s.Machine = Running
	}
	return nil
}

func (s *State) applyComplete() error {
	if s.Depth <= 1 {
		s.Machine = Complete
		s.Depth = 0
		// RootBrain is intentionally retained so final state can still be
		// rendered (spec §4.2).
		return nil
	}
	// Splice the deepest brain's steps onto the parent step before removing
	// the inner node, so an interrupted view never loses the completed
	// subtree (spec §4.2).
	parent := s.nodeBeforeDeepest()
	deepest := s.RootBrain.Deepest()
	if parent != nil {
		if step := parent.StepByID(deepest.ParentStepID); step != nil {
			step.InnerSteps = deepest.Steps
			step.Status = brain.StepComplete
		}
		parent.InnerBrain = nil
	}
	s.Depth--
	s.Machine = Running
	return nil
}

func (s *State) applyError(e brain.Event) error {
	p, err := brain.DecodePayload[brain.ErrorPayload](e)
	if err != nil {
		return err
	}
	if s.Depth <= 1 {
		s.Machine = Error
		s.TerminalError = &brain.RunError{Name: p.Name, Message: p.Message, Stack: p.Stack}
		return nil
	}
	// Nested errors remain running; the surrounding step surfaces the
	// failure via its own STEP_STATUS/STEP_COMPLETE handling.
	s.Machine = Running
	return nil
}

func (s *State) applyStepStart(e brain.Event) error {
	p, err := brain.DecodePayload[brain.StepStartPayload](e)
	if err != nil {
		return err
	}
	s.CurrentStepID = p.StepID
	s.CurrentStepTitle = p.Title
	return nil
}

func (s *State) applyStepComplete(e brain.Event) error {
	p, err := brain.DecodePayload[brain.StepCompletePayload](e)
	if err != nil {
		return err
	}
	if s.Depth == 1 && len(p.Patch) > 0 {
		merged, err := applyJSONPatch(s.CurrentState, p.Patch)
		if err != nil {
			return fmt.Errorf("applying step patch: %w", err)
		}
		s.CurrentState = merged
	}
	deepest := s.RootBrain.Deepest()
	if deepest == nil {
		return fmt.Errorf("STEP_COMPLETE with no active brain")
	}
	if step := deepest.StepByID(p.StepID); step != nil {
		step.Status = brain.StepComplete
		step.Patch = p.Patch
	} else {
		deepest.Steps = append(deepest.Steps, brain.StepInfo{ID: p.StepID, Status: brain.StepComplete, Patch: p.Patch})
	}
	return nil
}

func (s *State) applyStepStatus(e brain.Event) error {
	p, err := brain.DecodePayload[brain.StepStatusPayload](e)
	if err != nil {
		return err
	}
	deepest := s.RootBrain.Deepest()
	if deepest == nil {
		return fmt.Errorf("STEP_STATUS with no active brain")
	}
	deepest.Steps = mergeStepStatus(deepest.Steps, p.Steps)
	return nil
}

// mergeStepStatus replaces the step list with the incoming snapshot, but
// preserves each step's previously recorded Patch/InnerSteps when the
// incoming entry doesn't carry its own (spec §4.2: "patches already recorded
// on steps are preserved through status replacement").
func mergeStepStatus(existing, incoming []brain.StepInfo) []brain.StepInfo {
	byID := make(map[string]brain.StepInfo, len(existing))
	for _, st := range existing {
		byID[st.ID] = st
	}
	out := make([]brain.StepInfo, len(incoming))
	for i, st := range incoming {
		if prev, ok := byID[st.ID]; ok {
			if len(st.Patch) == 0 {
				st.Patch = prev.Patch
			}
			if len(st.InnerSteps) == 0 {
				st.InnerSteps = prev.InnerSteps
			}
		}
		out[i] = st
	}
	return out
}

func (s *State) applyWebhook(e brain.Event) error {
	p, err := brain.DecodePayload[brain.WebhookPayload](e)
	if err != nil {
		return err
	}
	s.PendingWebhooks = p.WaitFor
	s.Machine = Waiting
	return nil
}

func (s *State) applyAgentStart(e brain.Event) error {
	p, err := brain.DecodePayload[brain.AgentStartPayload](e)
	if err != nil {
		return err
	}
	s.AgentContext = &brain.AgentContext{
		StepID:       p.StepID,
		StepTitle:    p.Title,
		Prompt:       p.Prompt,
		SystemPrompt: p.SystemPrompt,
	}
	s.Machine = AgentLoop
	return nil
}

func (s *State) applyAgentIteration(e brain.Event) error {
	p, err := brain.DecodePayload[brain.AgentIterationPayload](e)
	if err != nil {
		return err
	}
	// Cumulative totalTokens is incremented per-iteration only; terminal
	// agent events never double-count since iteration events already carry
	// their own slice (spec §4.2).
	s.TotalTokens += p.TokensThisIteration
	return nil
}

func (s *State) applyAgentRawResponseMessage(e brain.Event) error {
	p, err := brain.DecodePayload[brain.AgentRawResponseMessagePayload](e)
	if err != nil {
		return err
	}
	if s.AgentContext != nil {
		s.AgentContext.ResponseMessages = append(s.AgentContext.ResponseMessages, p.Message)
	}
	return nil
}

func (s *State) applyAgentToolCall(e brain.Event) error {
	p, err := brain.DecodePayload[brain.AgentToolCallPayload](e)
	if err != nil {
		return err
	}
	if s.AgentContext != nil {
		s.AgentContext.PendingToolCallID = p.ToolCallID
		s.AgentContext.PendingToolName = p.ToolName
	}
	return nil
}

func (s *State) applyAgentToolResult(e brain.Event) error {
	p, err := brain.DecodePayload[brain.AgentToolResultPayload](e)
	if err != nil {
		return err
	}
	if s.AgentContext != nil && s.AgentContext.PendingToolCallID == p.ToolCallID && !p.Waiting {
		s.AgentContext.PendingToolCallID = ""
		s.AgentContext.PendingToolName = ""
		s.AgentContext.WebhookResponse = nil
	}
	return nil
}

func (s *State) applyAgentWebhook(e brain.Event) error {
	p, err := brain.DecodePayload[brain.AgentWebhookPayload](e)
	if err != nil {
		return err
	}
	if s.AgentContext != nil {
		s.AgentContext.PendingToolCallID = p.ToolCallID
		s.AgentContext.PendingToolName = p.ToolName
	}
	s.PendingWebhooks = p.WaitFor
	s.Machine = Waiting
	return nil
}

// nodeBeforeDeepest returns the node whose InnerBrain is the deepest node, or
// nil if the deepest node is the root.
func (s *State) nodeBeforeDeepest() *brain.BrainNode {
	if s.RootBrain == nil || s.RootBrain.InnerBrain == nil {
		return nil
	}
	cur := s.RootBrain
	for cur.InnerBrain.InnerBrain != nil {
		cur = cur.InnerBrain
	}
	return cur
}

func applyJSONPatch(state map[string]any, patch []byte) (map[string]any, error) {
	doc, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, err
	}
	merged, err := p.Apply(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
