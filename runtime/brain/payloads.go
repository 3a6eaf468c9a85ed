package brain

import "encoding/json"

// Payload structs for each EventType in the closed tag set (spec §3). Event
// construction (generator, actor) and projection (statemachine) both decode
// through these types so the wire shape is defined exactly once.
type (
	StartPayload struct {
		Title        string `json:"title"`
		InitialState map[string]any `json:"initialState,omitempty"`
		TopLevelStepCount int       `json:"topLevelStepCount"`
		// ParentStepID identifies the step of the enclosing brain that
		// triggered this run, set only when this START begins a nested brain
		// pushed by a Brain block (spec §4.2's InnerBrain chain). Empty for a
		// root run's own START.
		ParentStepID string `json:"parentStepId,omitempty"`
	}

	RestartPayload struct {
		Title string `json:"title"`
	}

	ErrorPayload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
	}

	StepStartPayload struct {
		StepID string `json:"stepId"`
		Title  string `json:"title"`
	}

	StepCompletePayload struct {
		StepID string          `json:"stepId"`
		Patch  json.RawMessage `json:"patch,omitempty"`
	}

	StepStatusPayload struct {
		Steps []StepInfo `json:"steps"`
	}

	StepRetryPayload struct {
		StepID string     `json:"stepId"`
		Hint   *RetryHint `json:"hint,omitempty"`
	}

	WebhookPayload struct {
		WaitFor []WebhookRegistration `json:"waitFor"`
	}

	WebhookResponsePayload struct {
		Slug       string         `json:"slug"`
		Identifier string         `json:"identifier"`
		Response   map[string]any `json:"response"`
	}

	AgentStartPayload struct {
		StepID       string `json:"stepId"`
		Title        string `json:"title"`
		Prompt       string `json:"prompt"`
		SystemPrompt string `json:"systemPrompt,omitempty"`
	}

	AgentIterationPayload struct {
		Iteration          int `json:"iteration"`
		TokensThisIteration int `json:"tokensThisIteration"`
		TotalTokens         int `json:"totalTokens"`
	}

	AgentRawResponseMessagePayload struct {
		Message RawMessage `json:"message"`
	}

	AgentToolCallPayload struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Input      json.RawMessage `json:"input"`
	}

	AgentToolResultPayload struct {
		ToolCallID string                 `json:"toolCallId"`
		ToolName   string                 `json:"toolName"`
		Result     json.RawMessage        `json:"result,omitempty"`
		Waiting    bool                   `json:"waiting,omitempty"`
		WaitFor    []WebhookRegistration  `json:"waitFor,omitempty"`
		Telemetry  map[string]any         `json:"telemetry,omitempty"`
	}

	AgentAssistantMessagePayload struct {
		Text string `json:"text"`
	}

	AgentUserMessagePayload struct {
		Content string `json:"content"`
	}

	AgentWebhookPayload struct {
		ToolCallID string                `json:"toolCallId"`
		ToolName   string                `json:"toolName"`
		WaitFor    []WebhookRegistration `json:"waitFor"`
	}

	AgentCompletePayload struct {
		Result     any    `json:"result"`
		SchemaName string `json:"schemaName,omitempty"`
	}

	AgentTokenLimitPayload struct {
		TotalTokens int `json:"totalTokens"`
	}

	AgentIterationLimitPayload struct {
		Iteration int `json:"iteration"`
	}

	BatchChunkCompletePayload struct {
		StepID         string `json:"stepId"`
		ChunkIndex     int    `json:"chunkIndex"`
		ProcessedCount int    `json:"processedCount"`
		Results        []any  `json:"results"`
	}

	BrainChildLinkedPayload struct {
		ChildRunID   string `json:"childRunId"`
		ParentStepID string `json:"parentStepId"`
		Title        string `json:"title"`
	}
)

// DecodePayload decodes e.Payload into T. Returns the zero value and no error
// for an empty payload (lifecycle events like CANCELLED/PAUSED carry none).
func DecodePayload[T any](e Event) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}

// EncodePayload marshals v for storage on an Event.
func EncodePayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		// Payload types are internal and always marshal; a failure here is a
		// programming error, not a runtime condition callers should handle.
		panic("brain: payload marshal: " + err.Error())
	}
	return b
}
