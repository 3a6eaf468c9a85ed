// Package agentloop implements the iterative LLM call / tool execution cycle
// embedded inside one Agent block (spec §4.3). A Loop advances a single
// agent step from its current suspension point to the next one — a terminal
// tool, an assistant message with no tool calls, a resource limit, a pause,
// a cancellation, or a webhook suspension — emitting the events that let the
// state machine and watchers observe every intermediate turn.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/model"
	"github.com/brainstack/brains/runtime/brain/tools"
)

// defaultSystemPrompt tells the model it is headless: it has no channel to
// the user other than the tools it's given (spec §4.3 step 3).
const defaultSystemPrompt = "You are an autonomous agent with no direct channel to a human. " +
	"You can only act and communicate by calling the tools you have been given. " +
	"Call the terminal tool when your task is finished."

// Outcome classifies why a Loop.Run call returned.
type Outcome string

const (
	// OutcomeAssistantMessage: the model produced text with no tool calls.
	OutcomeAssistantMessage Outcome = "assistant_message"
	// OutcomeComplete: a terminal tool was called; the step is done.
	OutcomeComplete Outcome = "complete"
	// OutcomeTokenLimit: cumulative tokens exceeded Config.MaxTokens.
	OutcomeTokenLimit Outcome = "token_limit"
	// OutcomeIterationLimit: the iteration count exceeded Config.MaxIterations.
	OutcomeIterationLimit Outcome = "iteration_limit"
	// OutcomePaused: a PAUSE signal was honored.
	OutcomePaused Outcome = "paused"
	// OutcomeCancelled: a KILL signal was honored.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeWaiting: a tool suspended the loop on one or more webhooks.
	OutcomeWaiting Outcome = "waiting"
)

// Result is what one Loop.Run call returns.
type Result struct {
	Outcome Outcome

	// AssistantText is set only for OutcomeAssistantMessage.
	AssistantText string

	// CompleteResult and SchemaName are set only for OutcomeComplete.
	// CompleteResult is already namespaced per spec §4.3 step 7 (under
	// SchemaName for a schema-bearing "done", spread at the root otherwise);
	// the caller merges it into the brain's current state.
	CompleteResult any
	SchemaName     string

	// WaitFor is set only for OutcomeWaiting.
	WaitFor []brain.WebhookRegistration
}

// Config configures one agent step, the runtime equivalent of the
// brain-author function returning {prompt, system?, tools, toolChoice?,
// maxIterations?, maxTokens?, outputSchema?} (spec §4.3).
type Config struct {
	StepID           string
	StepTitle        string
	Prompt           string
	SystemPrompt     string
	Tools            *tools.Registry
	ToolChoice       model.ToolChoice
	MaxIterations    int
	MaxTokens        int
	OutputSchemaName string

	// RateLimiter paces this step's provider calls when non-nil. Shared
	// across every Agent block in a process (or per-run, per the caller's
	// choice) since it is just a *rate.Limiter the caller constructs and
	// passes in; nil means uncapped.
	RateLimiter *rate.Limiter
}

// Emitter appends one event to the owning run's log on the loop's behalf.
type Emitter interface {
	Emit(ctx context.Context, eventType brain.EventType, payload any) error
}

// Signals drains pending mailbox signals without blocking (spec §5
// suspension point 2: "at the top of each agent iteration").
type Signals interface {
	Drain() []brain.Signal
}

// Loop advances one agent step.
type Loop struct {
	cfg      Config
	provider model.Provider
	emit     Emitter
	signals  Signals

	iteration        int
	totalTokens      int
	messages         []model.Message
	pendingToolCallID string
	pendingToolName   string
	pendingWaitFor    []brain.WebhookRegistration
}

// New constructs a Loop for StepID's first entry, seeded with the initial
// user prompt.
func New(cfg Config, provider model.Provider, emit Emitter, signals Signals) *Loop {
	return &Loop{
		cfg:      cfg,
		provider: provider,
		emit:     emit,
		signals:  signals,
		messages: []model.Message{model.NewUserText(cfg.Prompt)},
	}
}

// Resume reconstructs a Loop from a persisted AgentContext (spec §4.3
// "Agent resume semantics"). webhookResponse is non-nil only when resuming
// because the pending webhook was answered; otherwise this is a plain pause
// resume.
func Resume(ctx context.Context, cfg Config, provider model.Provider, emit Emitter, signals Signals, ac *brain.AgentContext, webhookResponse *brain.WebhookResponseData) (*Loop, error) {
	l := New(cfg, provider, emit, signals)

	history := make([]model.Message, 0, len(ac.ResponseMessages))
	for _, raw := range ac.ResponseMessages {
		m, err := fromRawMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("agentloop: resuming response history: %w", err)
		}
		history = append(history, m)
	}

	if webhookResponse != nil && ac.PendingToolCallID != "" {
		// Webhook resume: emit WEBHOOK_RESPONSE, then the AGENT_TOOL_RESULT for
		// the pending tool carrying the webhook response as its result.
		if err := l.emit.Emit(ctx, brain.EventWebhookResponse, brain.WebhookResponsePayload{
			Slug:       webhookResponse.Slug,
			Identifier: webhookResponse.Identifier,
			Response:   webhookResponse.Response,
		}); err != nil {
			return nil, err
		}
		result, err := json.Marshal(webhookResponse.Response)
		if err != nil {
			return nil, err
		}
		if err := l.emit.Emit(ctx, brain.EventAgentToolResult, brain.AgentToolResultPayload{
			ToolCallID: ac.PendingToolCallID,
			ToolName:   ac.PendingToolName,
			Result:     result,
		}); err != nil {
			return nil, err
		}
		toolResultMsg := model.NewToolResult(ac.PendingToolCallID, ac.PendingToolName, result, false)
		raw, err := toRawMessage(toolResultMsg)
		if err != nil {
			return nil, err
		}
		if err := l.emit.Emit(ctx, brain.EventAgentRawResponseMsg, brain.AgentRawResponseMessagePayload{Message: raw}); err != nil {
			return nil, err
		}
		l.messages = append([]model.Message{model.NewUserText(cfg.Prompt)}, append(history, toolResultMsg)...)
	} else {
		// Pause resume: rebuild history, emit nothing extra.
		l.messages = append([]model.Message{model.NewUserText(cfg.Prompt)}, history...)
	}
	return l, nil
}

// Run advances the loop until the next suspension point.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	for {
		for _, sig := range l.signals.Drain() {
			switch sig.Kind {
			case brain.SignalKill:
				if err := l.emit.Emit(ctx, brain.EventCancelled, nil); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeCancelled}, nil
			case brain.SignalPause:
				if err := l.emit.Emit(ctx, brain.EventPaused, nil); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomePaused}, nil
			case brain.SignalUserMessage:
				userMsg := model.NewUserText(sig.UserMessageContent)
				l.messages = append(l.messages, userMsg)
				if err := l.emit.Emit(ctx, brain.EventAgentUserMessage, brain.AgentUserMessagePayload{Content: sig.UserMessageContent}); err != nil {
					return Result{}, err
				}
				raw, err := toRawMessage(userMsg)
				if err != nil {
					return Result{}, err
				}
				if err := l.emit.Emit(ctx, brain.EventAgentRawResponseMsg, brain.AgentRawResponseMessagePayload{Message: raw}); err != nil {
					return Result{}, err
				}
			}
		}

		l.iteration++
		if l.cfg.MaxIterations > 0 && l.iteration > l.cfg.MaxIterations {
			if err := l.emit.Emit(ctx, brain.EventAgentIterationLimit, brain.AgentIterationLimitPayload{Iteration: l.iteration}); err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeIterationLimit}, nil
		}

		if l.cfg.RateLimiter != nil {
			if err := l.cfg.RateLimiter.Wait(ctx); err != nil {
				return Result{}, fmt.Errorf("agentloop: %w: rate limiter: %v", brainerr.ErrProvider, err)
			}
		}

		resp, err := l.provider.Complete(ctx, model.Request{
			System:     composeSystemPrompt(l.cfg.SystemPrompt),
			Messages:   l.messages,
			Tools:      toModelDeclarations(l.cfg.Tools.Declarations()),
			ToolChoice: l.cfg.ToolChoice,
		})
		if err != nil {
			return Result{}, fmt.Errorf("agentloop: %w: %v", brainerr.ErrProvider, err)
		}
		if len(resp.Messages) == 0 {
			return Result{}, fmt.Errorf("agentloop: %w: provider returned no messages", brainerr.ErrProvider)
		}
		l.messages = resp.Messages
		last := l.messages[len(l.messages)-1]
		rawLast, err := toRawMessage(last)
		if err != nil {
			return Result{}, err
		}
		if err := l.emit.Emit(ctx, brain.EventAgentRawResponseMsg, brain.AgentRawResponseMessagePayload{Message: rawLast}); err != nil {
			return Result{}, err
		}

		l.totalTokens += resp.Usage.TotalTokens
		if err := l.emit.Emit(ctx, brain.EventAgentIteration, brain.AgentIterationPayload{
			Iteration:           l.iteration,
			TokensThisIteration: resp.Usage.TotalTokens,
			TotalTokens:         l.totalTokens,
		}); err != nil {
			return Result{}, err
		}
		if l.cfg.MaxTokens > 0 && l.totalTokens > l.cfg.MaxTokens {
			if err := l.emit.Emit(ctx, brain.EventAgentTokenLimit, brain.AgentTokenLimitPayload{TotalTokens: l.totalTokens}); err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeTokenLimit}, nil
		}

		toolCalls := last.ToolCalls()
		if len(toolCalls) == 0 {
			if text := last.Text(); text != "" {
				if err := l.emit.Emit(ctx, brain.EventAgentAssistantMessage, brain.AgentAssistantMessagePayload{Text: text}); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeAssistantMessage, AssistantText: text}, nil
			}
			// Neither tool calls nor text: treat as an empty turn and iterate
			// again rather than silently completing with nothing.
			continue
		}

		l.pendingToolCallID, l.pendingToolName, l.pendingWaitFor = "", "", nil
		for _, tc := range toolCalls {
			if err := l.emit.Emit(ctx, brain.EventAgentToolCall, brain.AgentToolCallPayload{
				ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Input: tc.Input,
			}); err != nil {
				return Result{}, err
			}

			def, ok := l.cfg.Tools.Lookup(tc.ToolName)
			if !ok {
				return Result{}, fmt.Errorf("agentloop: %w: unknown tool %q", brainerr.ErrProvider, tc.ToolName)
			}
			if err := def.Validate(tc.Input); err != nil {
				return Result{}, fmt.Errorf("agentloop: %w: %v", brainerr.ErrProvider, err)
			}

			if def.Kind == tools.KindTerminal {
				res, err := decodeTerminalResult(tc.Input)
				if err != nil {
					return Result{}, err
				}
				complete := namespaceResult(tc.ToolName, l.cfg.OutputSchemaName, res)
				if err := l.emit.Emit(ctx, brain.EventAgentComplete, brain.AgentCompletePayload{
					Result: complete, SchemaName: l.cfg.OutputSchemaName,
				}); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeComplete, CompleteResult: complete, SchemaName: l.cfg.OutputSchemaName}, nil
			}

			out, err := def.Execute(ctx, tc.Input)
			if err != nil {
				return Result{}, fmt.Errorf("agentloop: %w: tool %q: %v", brainerr.ErrProvider, tc.ToolName, err)
			}

			if len(out.WaitFor) > 0 {
				if l.pendingToolCallID == "" {
					l.pendingToolCallID = tc.ToolCallID
					l.pendingToolName = tc.ToolName
					l.pendingWaitFor = toWebhookRegistrations(out.WaitFor)
				}
				placeholder, _ := json.Marshal(map[string]any{
					"status":   "waiting_for_webhook",
					"webhooks": out.WaitFor,
				})
				if err := l.emit.Emit(ctx, brain.EventAgentToolResult, brain.AgentToolResultPayload{
					ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Result: placeholder, Waiting: true, WaitFor: toWebhookRegistrations(out.WaitFor),
				}); err != nil {
					return Result{}, err
				}
				// Placeholder tool-result message kept locally only: it is
				// reconstructed on resume, never persisted as a raw message.
				l.messages = append(l.messages, model.NewToolResult(tc.ToolCallID, tc.ToolName, placeholder, false))
				continue
			}

			outputJSON, err := json.Marshal(out.Output)
			if err != nil {
				return Result{}, err
			}
			if err := l.emit.Emit(ctx, brain.EventAgentToolResult, brain.AgentToolResultPayload{
				ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Result: outputJSON,
			}); err != nil {
				return Result{}, err
			}
			resultMsg := model.NewToolResult(tc.ToolCallID, tc.ToolName, outputJSON, false)
			l.messages = append(l.messages, resultMsg)
			rawResult, err := toRawMessage(resultMsg)
			if err != nil {
				return Result{}, err
			}
			if err := l.emit.Emit(ctx, brain.EventAgentRawResponseMsg, brain.AgentRawResponseMessagePayload{Message: rawResult}); err != nil {
				return Result{}, err
			}
		}

		if l.pendingToolCallID != "" {
			if err := l.emit.Emit(ctx, brain.EventAgentWebhook, brain.AgentWebhookPayload{
				ToolCallID: l.pendingToolCallID, ToolName: l.pendingToolName, WaitFor: l.pendingWaitFor,
			}); err != nil {
				return Result{}, err
			}
			if err := l.emit.Emit(ctx, brain.EventWebhook, brain.WebhookPayload{WaitFor: l.pendingWaitFor}); err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeWaiting, WaitFor: l.pendingWaitFor}, nil
		}
		// No pending webhook: loop again for the next iteration.
	}
}

func composeSystemPrompt(userSystem string) string {
	if userSystem == "" {
		return defaultSystemPrompt
	}
	return defaultSystemPrompt + "\n\n" + userSystem
}

func decodeTerminalResult(input json.RawMessage) (any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return nil, fmt.Errorf("agentloop: decoding terminal tool input: %w", err)
	}
	return v, nil
}

// namespaceResult applies spec §4.3 step 7's merge rule: the built-in "done"
// tool with a configured output schema namespaces its result under the
// schema name; every other terminal tool (or "done" with no schema) spreads
// at the root.
func namespaceResult(toolName, schemaName string, result any) any {
	if toolName == "done" && schemaName != "" {
		return map[string]any{schemaName: result}
	}
	return result
}

func toModelDeclarations(in []tools.Declaration) []model.ToolDeclaration {
	out := make([]model.ToolDeclaration, len(in))
	for i, d := range in {
		out[i] = model.ToolDeclaration{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return out
}

func toWebhookRegistrations(in []tools.WaitForWebhook) []brain.WebhookRegistration {
	out := make([]brain.WebhookRegistration, len(in))
	for i, w := range in {
		out[i] = brain.WebhookRegistration{Slug: w.Slug, Identifier: w.Identifier}
	}
	return out
}

func toRawMessage(m model.Message) (brain.RawMessage, error) {
	partsJSON, err := model.MarshalParts(m.Parts)
	if err != nil {
		return brain.RawMessage{}, err
	}
	raw := brain.RawMessage{Role: string(m.Role), Content: string(partsJSON), ProviderMetadata: m.ProviderMetadata}
	if tcs := m.ToolCalls(); len(tcs) > 0 {
		raw.ToolCallID = tcs[0].ToolCallID
		raw.ToolName = tcs[0].ToolName
	}
	return raw, nil
}

func fromRawMessage(raw brain.RawMessage) (model.Message, error) {
	parts, err := model.UnmarshalParts(json.RawMessage(raw.Content))
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{Role: model.Role(raw.Role), Parts: parts, ProviderMetadata: raw.ProviderMetadata}, nil
}
