// Package model defines the provider-agnostic message types the agent loop
// exchanges with LLM providers. Messages are typed parts plus a role, mirroring
// the teacher runtime's "provider-native message objects with opaque
// per-provider metadata" pattern (spec §9): the runtime forwards
// ProviderMetadata verbatim without interpreting it, so reasoning signatures,
// citation spans, and other provider-specific fields survive a pause/resume
// round trip even though the core never understands their shape.
package model

import (
	"encoding/json"
	"fmt"
)

type (
	// Role is the conversational role of a Message.
	Role string

	// Part is a marker interface implemented by all message content parts.
	Part interface{ isPart() }

	// TextPart is plain text content.
	TextPart struct {
		Text string `json:"text"`
	}

	// ToolCallPart is a model-issued request to invoke a tool.
	ToolCallPart struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Input      json.RawMessage `json:"input"`
	}

	// ToolResultPart is the result of a tool invocation fed back to the model.
	ToolResultPart struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Output     json.RawMessage `json:"output"`
		IsError    bool            `json:"isError,omitempty"`
	}

	// Message is one provider-native turn in the conversation. ProviderMetadata
	// is an opaque bag of whatever the provider adapter needs to round-trip
	// the message unchanged (e.g. Anthropic "thinking" signatures, OpenAI
	// reasoning item ids). The core never inspects it.
	Message struct {
		Role             Role           `json:"role"`
		Parts            []Part         `json:"parts"`
		ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
	}

	// TokenUsage reports token counts attributed to a single model call.
	TokenUsage struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
		TotalTokens  int `json:"totalTokens"`
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (TextPart) isPart()       {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}

// ToolCalls returns every ToolCallPart in m, in order.
func (m Message) ToolCalls() []ToolCallPart {
	var out []ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			out = append(out, tc)
		}
	}
	return out
}

// Text concatenates every TextPart in m.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			s += t.Text
		}
	}
	return s
}

// NewUserText builds a single-part user message.
func NewUserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// NewToolResult builds a single-part tool-result message.
func NewToolResult(toolCallID, toolName string, output json.RawMessage, isError bool) Message {
	return Message{Role: RoleTool, Parts: []Part{ToolResultPart{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Output:     output,
		IsError:    isError,
	}}}
}

// partWire is the tagged wire encoding for Part, since the Part marker
// interface carries no discriminator of its own.
type partWire struct {
	Kind       string          `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// MarshalParts encodes a Part slice to its tagged wire form, used to persist
// a Message's parts inside an opaque brain.RawMessage.Content string.
func MarshalParts(parts []Part) (json.RawMessage, error) {
	wire := make([]partWire, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case TextPart:
			wire[i] = partWire{Kind: "text", Text: v.Text}
		case ToolCallPart:
			wire[i] = partWire{Kind: "toolCall", ToolCallID: v.ToolCallID, ToolName: v.ToolName, Input: v.Input}
		case ToolResultPart:
			wire[i] = partWire{Kind: "toolResult", ToolCallID: v.ToolCallID, ToolName: v.ToolName, Output: v.Output, IsError: v.IsError}
		default:
			return nil, fmt.Errorf("model: unknown part type %T", p)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalParts decodes the wire form produced by MarshalParts.
func UnmarshalParts(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wire []partWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]Part, len(wire))
	for i, w := range wire {
		switch w.Kind {
		case "text":
			out[i] = TextPart{Text: w.Text}
		case "toolCall":
			out[i] = ToolCallPart{ToolCallID: w.ToolCallID, ToolName: w.ToolName, Input: w.Input}
		case "toolResult":
			out[i] = ToolResultPart{ToolCallID: w.ToolCallID, ToolName: w.ToolName, Output: w.Output, IsError: w.IsError}
		default:
			return nil, fmt.Errorf("model: unknown wire part kind %q", w.Kind)
		}
	}
	return out, nil
}
