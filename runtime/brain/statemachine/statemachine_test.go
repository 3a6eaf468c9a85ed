package statemachine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainstack/brains/runtime/brain"
)

func ev(seq int64, typ brain.EventType, payload any) brain.Event {
	return brain.Event{Seq: seq, Type: typ, Payload: brain.EncodePayload(payload)}
}

func TestProjectStartMovesIdleToRunning(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, Running, s.Machine)
	assert.Equal(t, brain.StatusRunning, s.Status())
	assert.Equal(t, 1, s.Depth)
	assert.Equal(t, int64(1), s.LastSeq)
}

func TestProjectCompleteAtDepthOneReachesTerminalComplete(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventComplete, nil),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, Complete, s.Machine)
	assert.Equal(t, brain.StatusComplete, s.Status())
	assert.Equal(t, 0, s.Depth)
	assert.NotNil(t, s.RootBrain, "root brain is retained so final state can still be rendered")
}

func TestProjectErrorAtDepthOneSetsTerminalError(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventError, brain.ErrorPayload{Name: "boom", Message: "bad input"}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, Error, s.Machine)
	require.NotNil(t, s.TerminalError)
	assert.Equal(t, "boom", s.TerminalError.Name)
}

func TestProjectErrorAcceptsOneTrailingStepStatus(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventError, brain.ErrorPayload{Name: "boom", Message: "bad input"}),
		ev(3, brain.EventStepStatus, brain.StepStatusPayload{Steps: []brain.StepInfo{{ID: "s1", Status: brain.StepError}}}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, Error, s.Machine)
}

func TestProjectErrorRejectsEventsOtherThanTrailingStepStatus(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventError, brain.ErrorPayload{Name: "boom", Message: "bad input"}),
		ev(3, brain.EventStepStart, brain.StepStartPayload{StepID: "s1", Title: "s1"}),
	}
	_, err := Project(events)
	assert.Error(t, err)
}

func TestProjectRejectsEventsAfterTerminalComplete(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventComplete, nil),
		ev(3, brain.EventStepStart, brain.StepStartPayload{StepID: "s1", Title: "s1"}),
	}
	_, err := Project(events)
	assert.Error(t, err)
}

func TestProjectWebhookMovesToWaitingAndResponseReturnsToRunning(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventWebhook, brain.WebhookPayload{WaitFor: []brain.WebhookRegistration{{Slug: "email-sent", Identifier: "order-1"}}}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, Waiting, s.Machine)
	require.Len(t, s.PendingWebhooks, 1)

	events = append(events, ev(3, brain.EventWebhookResponse, brain.WebhookResponsePayload{Slug: "email-sent", Identifier: "order-1"}))
	s, err = Project(events)
	require.NoError(t, err)
	assert.Equal(t, Running, s.Machine)
	assert.Nil(t, s.PendingWebhooks)
}

func TestProjectAgentLoopSurfacesAsRunningStatus(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventAgentStart, brain.AgentStartPayload{StepID: "s1", Title: "agent", Prompt: "go"}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, AgentLoop, s.Machine)
	assert.Equal(t, brain.StatusRunning, s.Status(), "agentLoop must surface externally as RUNNING")
	assert.True(t, s.HasAgentContext())
}

func TestProjectAgentIterationAccumulatesTotalTokens(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventAgentStart, brain.AgentStartPayload{StepID: "s1", Title: "agent", Prompt: "go"}),
		ev(3, brain.EventAgentIteration, brain.AgentIterationPayload{Iteration: 1, TokensThisIteration: 10}),
		ev(4, brain.EventAgentIteration, brain.AgentIterationPayload{Iteration: 2, TokensThisIteration: 15}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, 25, s.TotalTokens)
}

func TestProjectStepCompleteAppliesJSONPatchToCurrentState(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1, InitialState: map[string]any{}}),
		ev(2, brain.EventStepStart, brain.StepStartPayload{StepID: "greet", Title: "greet"}),
		ev(3, brain.EventStepComplete, brain.StepCompletePayload{StepID: "greet", Patch: []byte(`[{"op":"add","path":"/greeting","value":"hello"}]`)}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, "hello", s.CurrentState["greeting"])
}

func TestProjectStepStatusPreservesPriorPatchWhenIncomingEntryHasNone(t *testing.T) {
	events := []brain.Event{
		ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
		ev(2, brain.EventStepComplete, brain.StepCompletePayload{StepID: "s1", Patch: []byte(`[{"op":"add","path":"/x","value":1}]`)}),
		ev(3, brain.EventStepStatus, brain.StepStatusPayload{Steps: []brain.StepInfo{{ID: "s1", Status: brain.StepComplete}}}),
	}
	s, err := Project(events)
	require.NoError(t, err)
	require.NotNil(t, s.RootBrain)
	step := s.RootBrain.StepByID("s1")
	require.NotNil(t, step)
	assert.JSONEq(t, `[{"op":"add","path":"/x","value":1}]`, string(step.Patch))
}

func TestProjectRejectsUnknownEventType(t *testing.T) {
	_, err := Project([]brain.Event{{Seq: 1, Type: brain.EventType("NOT_A_REAL_EVENT")}})
	assert.Error(t, err)
}

// TestProjectIsDeterministic verifies spec invariant 1: projecting the same
// event slice twice always yields an equal result.
func TestProjectIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("same events project to equal states", prop.ForAll(
		func(seed int) bool {
			events := sampleEventSequence(seed)
			a, errA := Project(events)
			b, errB := Project(events)
			if (errA == nil) != (errB == nil) {
				return false
			}
			if errA != nil {
				return errA.Error() == errB.Error()
			}
			return statesEqual(a, b)
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// TestProjectIsPrefixConsistent verifies spec invariant 1: projecting a
// prefix of a log yields a state equal to incrementally applying that same
// prefix event by event via Apply.
func TestProjectIsPrefixConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("every prefix projection equals incremental application", prop.ForAll(
		func(seed int) bool {
			events := sampleEventSequence(seed)
			if _, err := Project(events); err != nil {
				return true // errors on this sequence are covered by the determinism property
			}
			viaApply := New()
			for i, e := range events {
				if err := viaApply.Apply(e); err != nil {
					return false
				}
				viaProject, err := Project(events[:i+1])
				if err != nil || !statesEqual(viaProject, viaApply) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// sampleEventSequence returns one of a small fixed set of valid event
// sequences, chosen by seed, covering the FSM's main branches (plain
// completion, nested brain, webhook round trip, agent loop).
func sampleEventSequence(seed int) []brain.Event {
	switch seed % 4 {
	case 0:
		return []brain.Event{
			ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
			ev(2, brain.EventStepStart, brain.StepStartPayload{StepID: "s1", Title: "greet"}),
			ev(3, brain.EventStepComplete, brain.StepCompletePayload{StepID: "s1"}),
			ev(4, brain.EventComplete, nil),
		}
	case 1:
		return []brain.Event{
			ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
			ev(2, brain.EventWebhook, brain.WebhookPayload{WaitFor: []brain.WebhookRegistration{{Slug: "s", Identifier: "i"}}}),
			ev(3, brain.EventWebhookResponse, brain.WebhookResponsePayload{Slug: "s", Identifier: "i"}),
			ev(4, brain.EventComplete, nil),
		}
	case 2:
		return []brain.Event{
			ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
			ev(2, brain.EventAgentStart, brain.AgentStartPayload{StepID: "a1", Title: "agent", Prompt: "go"}),
			ev(3, brain.EventAgentIteration, brain.AgentIterationPayload{Iteration: 1, TokensThisIteration: 5}),
			ev(4, brain.EventAgentComplete, brain.AgentCompletePayload{Result: map[string]any{"ok": true}}),
			ev(5, brain.EventComplete, nil),
		}
	default:
		return []brain.Event{
			ev(1, brain.EventStart, brain.StartPayload{Title: "echo", TopLevelStepCount: 1}),
			ev(2, brain.EventError, brain.ErrorPayload{Name: "boom", Message: "bad"}),
		}
	}
}

func statesEqual(a, b *State) bool {
	return a.Machine == b.Machine &&
		a.Depth == b.Depth &&
		a.CurrentStepID == b.CurrentStepID &&
		a.TotalTokens == b.TotalTokens &&
		a.LastSeq == b.LastSeq
}
