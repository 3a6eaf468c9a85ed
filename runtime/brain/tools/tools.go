// Package tools defines the tool registry consumed by the agent loop
// (spec §4.3). A tool is a map entry name → ToolDef where ToolDef is a
// tagged variant (Builtin | UserDefined | Terminal), the
// "Tool registry with arbitrary executable bodies" re-architecture from
// spec §9.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind tags a ToolDef with how the agent loop should dispatch it.
type Kind string

const (
	// KindBuiltin is a runtime-provided tool. The built-in "done" tool is
	// tagged KindTerminal instead.
	KindBuiltin Kind = "builtin"
	// KindUserDefined is a brain-author supplied execute function.
	KindUserDefined Kind = "user_defined"
	// KindTerminal marks that, once this tool executes, the loop stops
	// after publishing its result regardless of the model's next turn.
	KindTerminal Kind = "terminal"
)

// ExecuteFunc runs a user-defined tool against decoded input, returning a
// JSON-serializable result.
type ExecuteFunc func(ctx context.Context, input json.RawMessage) (Result, error)

// Result is what a tool execution returns to the agent loop.
type Result struct {
	// Output is the JSON-serializable payload merged into the conversation as
	// a tool-result message.
	Output any
	// WaitFor optionally suspends the loop on one or more webhook
	// registrations (spec §4.3 step 7); the first inbound response wins.
	WaitFor []WaitForWebhook
}

// WaitForWebhook names a webhook registration a tool wants to suspend on.
type WaitForWebhook struct {
	Slug       string
	Identifier string
}

// Def is one entry in a Registry.
type Def struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Kind        Kind
	Execute     ExecuteFunc

	compiled *jsonschema.Schema
}

// Registry is the map name → Def consulted by the agent loop. It always
// contains a synthesized "done" entry (spec §4.3): KindTerminal, using the
// configured OutputSchema when non-empty, otherwise a free-form {result:
// string} schema.
type Registry struct {
	defs map[string]*Def
}

// NewRegistry builds a Registry from author-supplied tool defs and the
// agent step's optional output schema, synthesizing the "done" tool.
func NewRegistry(defs []Def, outputSchemaName string, outputSchema json.RawMessage) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Def, len(defs)+1)}
	for _, d := range defs {
		d := d
		if err := r.add(&d); err != nil {
			return nil, err
		}
	}
	done := &Def{
		Name: "done",
		Kind: KindTerminal,
	}
	if len(outputSchema) > 0 {
		done.Description = fmt.Sprintf("Signal completion with a %s result.", outputSchemaName)
		done.InputSchema = outputSchema
	} else {
		done.Description = "Signal completion with a free-form result."
		done.InputSchema = json.RawMessage(`{"type":"object","properties":{"result":{"type":"string"}},"required":["result"]}`)
	}
	if err := r.add(done); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(d *Def) error {
	if d.Name == "" {
		return fmt.Errorf("tools: empty tool name")
	}
	if _, dup := r.defs[d.Name]; dup {
		return fmt.Errorf("tools: duplicate tool %q", d.Name)
	}
	if len(d.InputSchema) > 0 {
		sch, err := compileSchema(d.Name, d.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: compiling schema for %q: %w", d.Name, err)
		}
		d.compiled = sch
	}
	r.defs[d.Name] = d
	return nil
}

// Lookup returns the named tool, or ok=false if it isn't registered.
func (r *Registry) Lookup(name string) (*Def, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Declarations renders every registered tool as a wire-level declaration
// (name + description + schema) suitable for a model.Request.Tools.
func (r *Registry) Declarations() []Declaration {
	out := make([]Declaration, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, Declaration{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

// Declaration is the wire shape of one registered tool.
type Declaration struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Validate checks raw tool-call arguments against d's compiled input schema.
// A tool with no declared schema accepts any input.
func (d *Def) Validate(input json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	var v any
	if len(input) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("tools: %s: invalid JSON input: %w", d.Name, err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return fmt.Errorf("tools: %s: schema validation failed: %w", d.Name, err)
	}
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	url := "mem://tools/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
