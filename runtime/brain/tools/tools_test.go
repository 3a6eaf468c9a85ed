package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistrySynthesizesFreeFormDoneToolWhenNoOutputSchema(t *testing.T) {
	r, err := NewRegistry(nil, "", nil)
	require.NoError(t, err)

	done, ok := r.Lookup("done")
	require.True(t, ok)
	assert.Equal(t, KindTerminal, done.Kind)
	assert.NoError(t, done.Validate(json.RawMessage(`{"result":"ok"}`)))
}

func TestNewRegistrySynthesizesDoneToolWithOutputSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"total":{"type":"number"}},"required":["total"]}`)
	r, err := NewRegistry(nil, "invoice", schema)
	require.NoError(t, err)

	done, ok := r.Lookup("done")
	require.True(t, ok)
	assert.NoError(t, done.Validate(json.RawMessage(`{"total":42}`)))
	assert.Error(t, done.Validate(json.RawMessage(`{}`)))
}

func TestNewRegistryRejectsDuplicateToolNames(t *testing.T) {
	defs := []Def{
		{Name: "lookup", Kind: KindUserDefined},
		{Name: "lookup", Kind: KindUserDefined},
	}
	_, err := NewRegistry(defs, "", nil)
	assert.Error(t, err)
}

func TestNewRegistryRejectsEmptyToolName(t *testing.T) {
	defs := []Def{{Name: "", Kind: KindUserDefined}}
	_, err := NewRegistry(defs, "", nil)
	assert.Error(t, err)
}

func TestNewRegistryRejectsInvalidInputSchema(t *testing.T) {
	defs := []Def{{Name: "lookup", Kind: KindUserDefined, InputSchema: json.RawMessage(`not json`)}}
	_, err := NewRegistry(defs, "", nil)
	assert.Error(t, err)
}

func TestLookupMissingToolReturnsFalse(t *testing.T) {
	r, err := NewRegistry(nil, "", nil)
	require.NoError(t, err)
	_, ok := r.Lookup("nonexistent")
	assert.False(t, ok)
}

func TestDeclarationsIncludesAllRegisteredTools(t *testing.T) {
	defs := []Def{{Name: "lookup", Description: "look things up", Kind: KindUserDefined}}
	r, err := NewRegistry(defs, "", nil)
	require.NoError(t, err)

	decls := r.Declarations()
	names := make(map[string]bool, len(decls))
	for _, d := range decls {
		names[d.Name] = true
	}
	assert.True(t, names["lookup"])
	assert.True(t, names["done"])
}

func TestDefValidateAcceptsAnyInputWithoutSchema(t *testing.T) {
	d := &Def{Name: "lookup", Kind: KindUserDefined}
	assert.NoError(t, d.Validate(json.RawMessage(`{"anything":1}`)))
	assert.NoError(t, d.Validate(nil))
}

func TestDefValidateRejectsMalformedJSON(t *testing.T) {
	defs := []Def{{Name: "lookup", Kind: KindUserDefined, InputSchema: json.RawMessage(`{"type":"object"}`)}}
	r, err := NewRegistry(defs, "", nil)
	require.NoError(t, err)
	d, ok := r.Lookup("lookup")
	require.True(t, ok)
	assert.Error(t, d.Validate(json.RawMessage(`not json`)))
}
