package openai_test

import (
	"context"
	"encoding/json"
	"testing"

	sdkopenai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/model"
	provideropenai "github.com/brainstack/brains/runtime/brain/providers/openai"
)

type stubChatClient struct {
	lastParams sdkopenai.ChatCompletionNewParams
	resp       *sdkopenai.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, body sdkopenai.ChatCompletionNewParams, _ ...option.RequestOption) (*sdkopenai.ChatCompletion, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubChatClient{resp: &sdkopenai.ChatCompletion{
		Choices: []sdkopenai.ChatCompletionChoice{{
			FinishReason: "stop",
			Message:      sdkopenai.ChatCompletionMessage{Role: "assistant", Content: "hi there"},
		}},
		Usage: sdkopenai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	p, err := provideropenai.New(stub, provideropenai.Options{Model: "gpt-4o", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.NewUserText("ping")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "hi there", resp.Messages[1].Text())
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubChatClient{resp: &sdkopenai.ChatCompletion{
		Choices: []sdkopenai.ChatCompletionChoice{{
			FinishReason: "tool_calls",
			Message: sdkopenai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []sdkopenai.ChatCompletionMessageToolCall{{
					ID: "call-1",
					Function: sdkopenai.ChatCompletionMessageToolCallFunction{
						Name:      "lookup",
						Arguments: `{"query":"docs"}`,
					},
				}},
			},
		}},
	}}
	p, err := provideropenai.New(stub, provideropenai.Options{Model: "gpt-4o", MaxTokens: 128})
	require.NoError(t, err)

	req := model.Request{
		Messages: []model.Message{model.NewUserText("call tool")},
		Tools: []model.ToolDeclaration{{
			Name:        "lookup",
			Description: "Search docs",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	calls := resp.Messages[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].ToolName)
	assert.Equal(t, "call-1", calls[0].ToolCallID)
	assert.JSONEq(t, `{"query":"docs"}`, string(calls[0].Input))
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestCompleteWrapsProviderError(t *testing.T) {
	stub := &stubChatClient{err: assertAnError{}}
	p, err := provideropenai.New(stub, provideropenai.Options{Model: "gpt-4o", MaxTokens: 64})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.NewUserText("hi")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, brainerr.ErrProvider)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	p, err := provideropenai.New(&stubChatClient{}, provideropenai.Options{Model: "gpt-4o", MaxTokens: 64})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), model.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, brainerr.ErrConfiguration)
}

func TestNewRequiresModelAndMaxTokens(t *testing.T) {
	_, err := provideropenai.New(&stubChatClient{}, provideropenai.Options{})
	assert.Error(t, err)

	_, err = provideropenai.New(&stubChatClient{}, provideropenai.Options{Model: "gpt-4o"})
	assert.Error(t, err)

	_, err = provideropenai.New(nil, provideropenai.Options{Model: "gpt-4o", MaxTokens: 64})
	assert.Error(t, err)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
