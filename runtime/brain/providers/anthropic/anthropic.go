// Package anthropic provides a model.Provider implementation backed by the
// Anthropic Claude Messages API. It translates agent-loop requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool calls, usage) back into the generic model
// types the agent loop understands.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter, so tests can substitute a stub for *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's default model and sampling parameters.
type Options struct {
	// Model is the Claude model identifier sent with every request (for
	// example string(sdk.ModelClaudeSonnet4_5_20250929)).
	Model string

	// MaxTokens is the completion cap sent with every request.
	MaxTokens int

	// Temperature is the sampling temperature. Zero means "let the API use
	// its own default" and is not sent.
	Temperature float64
}

// Provider implements model.Provider on top of Anthropic Claude Messages.
type Provider struct {
	msg       MessagesClient
	model     string
	maxTokens int
	temp      float64
}

// New builds an Anthropic-backed provider from an Anthropic Messages client
// and configuration options.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max tokens must be positive")
	}
	return &Provider{msg: msg, model: opts.Model, maxTokens: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP
// client, authenticated with the given apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a Messages.New request and translates the response into
// the agent loop's message/usage shape. The returned Messages are the
// request's messages followed by the new assistant message.
func (p *Provider) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := p.prepareRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", brainerr.ErrConfiguration, err)
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic messages.new: %w", brainerr.ErrProvider, err)
	}
	resp, err := translateResponse(msg)
	if err != nil {
		return nil, err
	}
	resp.Messages = append(append([]model.Message(nil), req.Messages...), resp.Messages...)
	return resp, nil
}

func (p *Provider) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := p.maxTokens
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(p.model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if tc, ok := encodeToolChoice(req.ToolChoice); ok {
		params.ToolChoice = tc
	}
	return params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolCallPart:
				var input any
				if len(v.Input) > 0 {
					if err := json.Unmarshal(v.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %q input: %w", v.ToolCallID, err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ToolCallID, input, v.ToolName))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolCallID, string(v.Output), v.IsError))
			default:
				return nil, fmt.Errorf("unsupported part type %T", part)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one user/assistant message is required after encoding")
	}
	return out, nil
}

func encodeTools(defs []model.ToolDeclaration) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("tool %q is missing a description", def.Name)
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw []byte) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice model.ToolChoice) (sdk.ToolChoiceUnionParam, bool) {
	switch choice.Mode {
	case "", "auto":
		return sdk.ToolChoiceUnionParam{}, false
	case "required":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, true
	case "tool":
		if choice.ToolName == "" {
			return sdk.ToolChoiceUnionParam{}, false
		}
		return sdk.ToolChoiceParamOfTool(choice.ToolName), true
	default:
		return sdk.ToolChoiceUnionParam{}, false
	}
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var parts []model.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, model.TextPart{Text: block.Text})
			}
		case "tool_use":
			input, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: encode tool_use input: %w", err)
			}
			parts = append(parts, model.ToolCallPart{
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Input:      input,
			})
		}
	}
	resp := &model.Response{
		Messages: []model.Message{{Role: model.RoleAssistant, Parts: parts}},
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	return resp, nil
}
