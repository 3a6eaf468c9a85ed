package model

import "context"

type (
	// ToolChoice constrains which tool (if any) the model must call on its
	// next turn.
	ToolChoice struct {
		// Mode is one of "auto", "required", or "tool" (force a specific tool).
		Mode string `json:"mode"`
		// ToolName is set when Mode == "tool".
		ToolName string `json:"toolName,omitempty"`
	}

	// ToolDeclaration is the wire-level shape of a tool advertised to the
	// provider: name, description, and JSON schema. Provider adapters
	// translate this into their own tool-definition format.
	ToolDeclaration struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema []byte `json:"inputSchema"`
	}

	// Request is one provider call: the accumulated message history plus the
	// tools currently in scope. System is the fully composed system prompt
	// (runtime default ++ brain-author system, per spec §4.3 step 3).
	Request struct {
		System     string
		Messages   []Message
		Tools      []ToolDeclaration
		ToolChoice ToolChoice
	}

	// Response is one provider call's result: the updated message list
	// (provider-native, preserving metadata) plus usage for this call.
	Response struct {
		// Messages is the full updated response-message history the provider
		// returned, to be stored verbatim as the agent loop's new
		// responseMessages (spec §4.3 step 4).
		Messages []Message
		Usage    TokenUsage
	}

	// Provider is the external collaborator contract for an LLM adapter.
	// Concrete adapters (runtime/brain/providers/anthropic,
	// runtime/brain/providers/openai) are explicitly out of core scope per
	// spec §1; the agent loop only depends on this interface.
	Provider interface {
		Complete(ctx context.Context, req Request) (*Response, error)
	}
)
