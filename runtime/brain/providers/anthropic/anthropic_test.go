package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	p, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.NewUserText("hello")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "world", resp.Messages[1].Text())
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			Name:  "lookup",
			ID:    "tool-1",
			Input: json.RawMessage(`{"x":1}`),
		}},
		StopReason: sdk.StopReasonToolUse,
	}}
	p, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	req := model.Request{
		Messages: []model.Message{model.NewUserText("call tool")},
		Tools: []model.ToolDeclaration{{
			Name:        "lookup",
			Description: "looks things up",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	calls := resp.Messages[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].ToolName)
	assert.Equal(t, "tool-1", calls[0].ToolCallID)
	assert.JSONEq(t, `{"x":1}`, string(calls[0].Input))

	require.Len(t, stub.lastParams.Tools, 1)
}

func TestCompleteWrapsProviderError(t *testing.T) {
	stub := &stubMessagesClient{err: assertAnError{}}
	p, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 64})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.NewUserText("hi")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, brainerr.ErrProvider)
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	p, err := New(&stubMessagesClient{}, Options{Model: "claude-3.5-sonnet", MaxTokens: 64})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), model.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, brainerr.ErrConfiguration)
}

func TestNewRequiresModelAndMaxTokens(t *testing.T) {
	_, err := New(&stubMessagesClient{}, Options{})
	assert.Error(t, err)

	_, err = New(&stubMessagesClient{}, Options{Model: "claude-3.5-sonnet"})
	assert.Error(t, err)

	_, err = New(nil, Options{Model: "claude-3.5-sonnet", MaxTokens: 64})
	assert.Error(t, err)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
