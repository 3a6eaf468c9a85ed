package brain

// BrainNode is one node of the Running-Brain Tree (spec §3), reconstructed by
// the state machine's projection of a run's event log. brainRunId is shared
// across the whole tree; only the root node's id is the externally visible
// run id.
type BrainNode struct {
	BrainRunID   string      `json:"brainRunId"`
	Title        string      `json:"title"`
	ParentStepID string      `json:"parentStepId,omitempty"`
	Steps        []StepInfo  `json:"steps"`
	InnerBrain   *BrainNode  `json:"innerBrain,omitempty"`
}

// Deepest returns the currently executing brain node: the leaf of the
// InnerBrain chain.
func (n *BrainNode) Deepest() *BrainNode {
	if n == nil {
		return nil
	}
	cur := n
	for cur.InnerBrain != nil {
		cur = cur.InnerBrain
	}
	return cur
}

// Depth returns the number of nodes in the chain rooted at n (1 for a root
// brain with no nested children).
func (n *BrainNode) Depth() int {
	d := 0
	for cur := n; cur != nil; cur = cur.InnerBrain {
		d++
	}
	return d
}

// StepByID searches n's own step list (not nested InnerSteps) for a step
// with the given id.
func (n *BrainNode) StepByID(id string) *StepInfo {
	if n == nil {
		return nil
	}
	for i := range n.Steps {
		if n.Steps[i].ID == id {
			return &n.Steps[i]
		}
	}
	return nil
}

// AgentContext is the runtime state for a paused or in-flight agent loop
// (spec §3). Non-nil iff execution is inside, or paused from, an agent loop.
type AgentContext struct {
	StepID            string    `json:"stepId"`
	StepTitle         string    `json:"stepTitle"`
	Prompt            string    `json:"prompt"`
	SystemPrompt      string    `json:"systemPrompt,omitempty"`
	ResponseMessages  []RawMessage `json:"responseMessages"`
	PendingToolCallID string    `json:"pendingToolCallId,omitempty"`
	PendingToolName   string    `json:"pendingToolName,omitempty"`
	// WebhookResponse is never filled in by the projection, which only resets
	// it; on resume agentloop.Resume receives the webhook response as its own
	// argument.
	WebhookResponse *WebhookResponseData `json:"webhookResponse,omitempty"`
}

// WebhookResponseData carries the payload delivered by an inbound webhook
// submission.
type WebhookResponseData struct {
	Slug       string         `json:"slug"`
	Identifier string         `json:"identifier"`
	Response   map[string]any `json:"response"`
}

// RawMessage is an opaque, provider-native message envelope. The runtime
// forwards ProviderMetadata verbatim without interpreting it; only provider
// adapters (outside the core) understand its shape. This is the
// "Provider-native message objects with opaque per-provider metadata"
// re-architecture from spec §9.
type RawMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content,omitempty"`
	ToolCallID       string         `json:"toolCallId,omitempty"`
	ToolName         string         `json:"toolName,omitempty"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
}

// Signal is an out-of-band mailbox entry consumed at well-defined suspension
// points inside the Stream Generator / Agent Loop (spec §3, §5).
type Signal struct {
	Kind SignalKind `json:"kind"`
	// UserMessageContent is set when Kind == SignalUserMessage.
	UserMessageContent string `json:"userMessageContent,omitempty"`
	// WebhookResponse is set when Kind == SignalWebhookResponse.
	WebhookResponse *WebhookSubmission `json:"webhookResponse,omitempty"`
}

// SignalKind enumerates the mailbox signal variants.
type SignalKind string

const (
	SignalKill            SignalKind = "KILL"
	SignalPause           SignalKind = "PAUSE"
	SignalUserMessage     SignalKind = "USER_MESSAGE"
	SignalWebhookResponse SignalKind = "WEBHOOK_RESPONSE"
)

// WebhookSubmission is an inbound webhook delivery awaiting a matching
// outstanding registration.
type WebhookSubmission struct {
	Slug       string         `json:"slug"`
	Identifier string         `json:"identifier"`
	Token      string         `json:"token"`
	Response   map[string]any `json:"response"`
}
