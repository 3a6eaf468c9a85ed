// Package openai provides a model.Provider implementation backed by the
// OpenAI Chat Completions API. It translates agent-loop requests into
// ChatCompletion calls using github.com/openai/openai-go and maps responses
// back into the generic model types the agent loop understands.
//
// No file in the retrieval pack exercises github.com/openai/openai-go
// directly (the pack's only OpenAI adapter targets the older
// sashabaranov/go-openai client); this adapter follows that sibling
// adapter's shape and error handling but is grounded in openai-go's own
// published client conventions rather than a pack example.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/model"
)

// ChatClient captures the subset of the OpenAI SDK client used by the
// adapter, so tests can substitute a stub for the real
// *openai.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter's default model and sampling parameters.
type Options struct {
	// Model is the OpenAI chat model identifier sent with every request
	// (for example openai.ChatModelGPT4o).
	Model string

	// MaxTokens caps the completion length sent with every request.
	MaxTokens int

	// Temperature is the sampling temperature. Zero means "let the API use
	// its own default" and is not sent.
	Temperature float64
}

// Provider implements model.Provider on top of the OpenAI Chat Completions
// API.
type Provider struct {
	chat      ChatClient
	model     string
	maxTokens int
	temp      float64
}

// New builds an OpenAI-backed provider from a chat client and options.
func New(chat ChatClient, opts Options) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("openai: max tokens must be positive")
	}
	return &Provider{chat: chat, model: opts.Model, maxTokens: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Provider using the default OpenAI HTTP client,
// authenticated with the given apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&cl.Chat.Completions, opts)
}

// Complete issues a Chat Completions request and translates the response
// into the agent loop's message/usage shape. The returned Messages are the
// request's messages followed by the new assistant message.
func (p *Provider) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := p.prepareRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", brainerr.ErrConfiguration, err)
	}
	resp, err := p.chat.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("%w: openai chat completions: %w", brainerr.ErrProvider, err)
	}
	out, err := translateResponse(resp)
	if err != nil {
		return nil, err
	}
	out.Messages = append(append([]model.Message(nil), req.Messages...), out.Messages...)
	return out, nil
}

func (p *Provider) prepareRequest(req model.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}
	msgs, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	params := &openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(p.model),
		Messages:  msgs,
		MaxTokens: openai.Int(int64(p.maxTokens)),
	}
	if p.temp > 0 {
		params.Temperature = openai.Float(p.temp)
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

func encodeMessages(req model.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			if text := m.Text(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case model.RoleAssistant:
			msg, err := encodeAssistantMessage(m)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				out = append(out, *msg)
			}
		case model.RoleTool:
			for _, part := range m.Parts {
				tr, ok := part.(model.ToolResultPart)
				if !ok {
					continue
				}
				out = append(out, openai.ToolMessage(string(tr.Output), tr.ToolCallID))
			}
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one user/assistant message is required after encoding")
	}
	return out, nil
}

func encodeAssistantMessage(m model.Message) (*openai.ChatCompletionMessageParamUnion, error) {
	text := m.Text()
	calls := m.ToolCalls()
	if text == "" && len(calls) == 0 {
		return nil, nil
	}
	if len(calls) == 0 {
		msg := openai.AssistantMessage(text)
		return &msg, nil
	}
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, c := range calls {
		toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
			ID: c.ToolCallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.ToolName,
				Arguments: string(c.Input),
			},
		}
	}
	param := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		param.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(text),
		}
	}
	msg := openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
	return &msg, nil
}

func encodeTools(defs []model.ToolDeclaration) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("tool %q is missing a description", def.Name)
		}
		var schema map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice model.ToolChoice) (openai.ChatCompletionToolChoiceOptionUnionParam, bool) {
	switch choice.Mode {
	case "", "auto":
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, false
	case "required":
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}, true
	case "tool":
		if choice.ToolName == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, false
		}
		named := openai.ChatCompletionNamedToolChoiceParam{
			Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.ToolName},
		}
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfChatCompletionNamedToolChoice: &named}, true
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, false
	}
}

func translateResponse(resp *openai.ChatCompletion) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	var parts []model.Part
	if choice.Message.Content != "" {
		parts = append(parts, model.TextPart{Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		parts = append(parts, model.ToolCallPart{
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Input:      json.RawMessage(call.Function.Arguments),
		})
	}
	return &model.Response{
		Messages: []model.Message{{Role: model.RoleAssistant, Parts: parts}},
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}
