package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brainstack/brains/runtime/brain/actor"
	"github.com/brainstack/brains/runtime/brain/generator"
)

// echoBrain is a minimal single-step brain that stores "hello, <name>" in
// state under "greeting", taking name from the "name" start option (default
// "world"), demonstrating the Definition wiring a real deployment's brain
// package would follow.
func echoBrain() actor.Definition {
	return actor.Definition{
		Ident: "echo",
		Title: "Echo Brain",
		Build: func(options map[string]any) ([]generator.Block, map[string]any, error) {
			name, _ := options["name"].(string)
			if name == "" {
				name = "world"
			}
			blocks := []generator.Block{
				generator.StepBlock{
					ID:    "greet",
					Title: "greet",
					Run: func(_ context.Context, _ map[string]any) (json.RawMessage, error) {
						patch := fmt.Sprintf(`[{"op":"add","path":"/greeting","value":%q}]`, "hello, "+name)
						return json.RawMessage(patch), nil
					},
				},
			}
			return blocks, map[string]any{}, nil
		},
	}
}
