package dispatcher

import (
	"github.com/brainstack/brains/runtime/brain/actor"
	"github.com/brainstack/brains/runtime/brain/generator"
)

// stepStructure is the brain structure view spec.md §6 names for
// `GET /brains/:identifier` ("Brain structure (nested steps[])"). It
// describes the block list a fresh Build produces, not any particular run's
// projected state.
type stepStructure struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Kind  string          `json:"kind"`
	Steps []stepStructure `json:"steps,omitempty"`
}

// describeBrain builds the structure view for def by invoking its Build
// function with no options and no prior state, the same way a fresh run's
// first descent would.
func describeBrain(def actor.Definition) ([]stepStructure, error) {
	blocks, state, err := def.Build(nil)
	if err != nil {
		return nil, err
	}
	return describeBlocks(blocks, state), nil
}

func describeBlocks(blocks []generator.Block, state map[string]any) []stepStructure {
	out := make([]stepStructure, 0, len(blocks))
	for _, b := range blocks {
		entry := stepStructure{ID: b.BlockID(), Title: b.BlockTitle(), Kind: blockKind(b)}
		if bb, ok := b.(generator.BrainBlock); ok {
			if childBlocks, childState, err := bb.Blocks(state); err == nil {
				entry.Steps = describeBlocks(childBlocks, childState)
			}
		}
		out = append(out, entry)
	}
	return out
}

func blockKind(b generator.Block) string {
	switch b.(type) {
	case generator.StepBlock:
		return "step"
	case generator.BatchBlock:
		return "batch"
	case generator.AgentBlock:
		return "agent"
	case generator.BrainBlock:
		return "brain"
	case generator.GuardBlock:
		return "guard"
	case generator.WaitBlock:
		return "wait"
	case generator.UIBlock:
		return "ui"
	default:
		return "unknown"
	}
}
