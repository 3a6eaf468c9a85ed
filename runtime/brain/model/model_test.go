package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTextConcatenatesTextParts(t *testing.T) {
	m := Message{Parts: []Part{TextPart{Text: "hello "}, ToolCallPart{ToolName: "x"}, TextPart{Text: "world"}}}
	assert.Equal(t, "hello world", m.Text())
}

func TestMessageToolCallsFiltersOtherParts(t *testing.T) {
	m := Message{Parts: []Part{
		TextPart{Text: "thinking"},
		ToolCallPart{ToolCallID: "tc1", ToolName: "lookup"},
		ToolResultPart{ToolCallID: "tc1", ToolName: "lookup"},
	}}
	calls := m.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tc1", calls[0].ToolCallID)
}

func TestNewUserTextBuildsSinglePartUserMessage(t *testing.T) {
	m := NewUserText("hi")
	assert.Equal(t, RoleUser, m.Role)
	require.Len(t, m.Parts, 1)
	assert.Equal(t, "hi", m.Text())
}

func TestNewToolResultBuildsSinglePartToolMessage(t *testing.T) {
	m := NewToolResult("tc1", "lookup", json.RawMessage(`{"ok":true}`), false)
	assert.Equal(t, RoleTool, m.Role)
	require.Len(t, m.Parts, 1)
	rp, ok := m.Parts[0].(ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "tc1", rp.ToolCallID)
	assert.False(t, rp.IsError)
}

func TestMarshalUnmarshalPartsRoundTrip(t *testing.T) {
	parts := []Part{
		TextPart{Text: "hello"},
		ToolCallPart{ToolCallID: "tc1", ToolName: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		ToolResultPart{ToolCallID: "tc1", ToolName: "lookup", Output: json.RawMessage(`{"r":1}`), IsError: true},
	}
	raw, err := MarshalParts(parts)
	require.NoError(t, err)

	got, err := UnmarshalParts(raw)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, parts[0], got[0])
	assert.Equal(t, parts[1], got[1])
	assert.Equal(t, parts[2], got[2])
}

func TestUnmarshalPartsEmptyRawReturnsNil(t *testing.T) {
	out, err := UnmarshalParts(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestUnmarshalPartsRejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalParts(json.RawMessage(`[{"kind":"bogus"}]`))
	assert.Error(t, err)
}

func TestMarshalPartsRejectsUnknownPartType(t *testing.T) {
	_, err := MarshalParts([]Part{fakePart{}})
	assert.Error(t, err)
}

type fakePart struct{}

func (fakePart) isPart() {}
