package actor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/eventlog"
	"github.com/brainstack/brains/runtime/brain/generator"
	"github.com/brainstack/brains/runtime/brain/model"
	"github.com/brainstack/brains/runtime/brain/runstore/inmem"
)

type stubProvider struct{}

func (stubProvider) Complete(context.Context, model.Request) (*model.Response, error) {
	return &model.Response{Messages: []model.Message{{Role: model.RoleAssistant}}}, nil
}

func singleStepDef() Definition {
	return Definition{
		Ident:    "greeter",
		Title:    "Greeter",
		Provider: stubProvider{},
		Build: func(options map[string]any) ([]generator.Block, map[string]any, error) {
			blocks := []generator.Block{
				generator.StepBlock{ID: "greet", Title: "greet", Run: func(context.Context, map[string]any) (json.RawMessage, error) {
					return json.RawMessage(`[{"op":"add","path":"/greeted","value":true}]`), nil
				}},
			}
			return blocks, map[string]any{}, nil
		},
	}
}

func waitingDef() Definition {
	return Definition{
		Ident:    "approver",
		Title:    "Approver",
		Provider: stubProvider{},
		Build: func(options map[string]any) ([]generator.Block, map[string]any, error) {
			blocks := []generator.Block{
				generator.WaitBlock{ID: "wait", Title: "await approval", WaitFor: []brain.WebhookRegistration{
					{Slug: "approval", Identifier: "req-1", Token: "secret"},
				}},
				generator.StepBlock{ID: "after", Title: "after approval", Run: func(context.Context, map[string]any) (json.RawMessage, error) {
					return nil, nil
				}},
			}
			return blocks, map[string]any{}, nil
		},
	}
}

func TestActorStartRunsToCompletion(t *testing.T) {
	log := eventlog.NewLog()
	store := inmem.New()
	a := New("run-1", singleStepDef(), log, store, nil)

	err := a.Start(context.Background(), nil)
	require.NoError(t, err)

	run, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, brain.StatusComplete, run.Status)

	events, err := log.Scan(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Equal(t, brain.EventComplete, events[len(events)-1].Type)
}

func TestActorStartRejectsConcurrentExecutor(t *testing.T) {
	log := eventlog.NewLog()
	store := inmem.New()
	a := New("run-1", singleStepDef(), log, store, nil)

	a.running = true // simulate an executor already in flight
	err := a.Start(context.Background(), nil)
	assert.ErrorIs(t, err, brainerr.ErrRunTerminal)
}

func TestActorWaitingRunResumesOnMatchingWebhook(t *testing.T) {
	log := eventlog.NewLog()
	store := inmem.New()
	a := New("run-2", waitingDef(), log, store, nil)

	require.NoError(t, a.Start(context.Background(), nil))

	run, err := store.Load(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, brain.StatusWaiting, run.Status)

	err = a.SubmitWebhook(context.Background(), brain.WebhookSubmission{
		Slug: "approval", Identifier: "req-1", Token: "secret", Response: map[string]any{"approved": true},
	})
	require.NoError(t, err)

	run, err = store.Load(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, brain.StatusComplete, run.Status)
}

func TestActorWaitingRunRejectsMismatchedWebhook(t *testing.T) {
	log := eventlog.NewLog()
	store := inmem.New()
	a := New("run-3", waitingDef(), log, store, nil)

	require.NoError(t, a.Start(context.Background(), nil))

	err := a.SubmitWebhook(context.Background(), brain.WebhookSubmission{
		Slug: "approval", Identifier: "wrong-id", Token: "secret",
	})
	assert.Error(t, err)

	run, err := store.Load(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, brain.StatusWaiting, run.Status)
}

func TestActorKillBeforeStartCancelsRun(t *testing.T) {
	log := eventlog.NewLog()
	store := inmem.New()
	a := New("run-4", singleStepDef(), log, store, nil)

	require.NoError(t, a.Kill(context.Background()))
	err := a.Start(context.Background(), nil)
	require.NoError(t, err)

	run, err := store.Load(context.Background(), "run-4")
	require.NoError(t, err)
	assert.Equal(t, brain.StatusCancelled, run.Status)
}

func TestManagerStartNewAndResumeByRunID(t *testing.T) {
	logs := eventlog.NewFactory()
	store := inmem.New()
	mgr := NewManager([]Definition{waitingDef()}, logs, store, nil)

	runID, err := mgr.StartNew(context.Background(), "approver", nil)
	require.NoError(t, err)

	run, err := store.Load(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, brain.StatusWaiting, run.Status)

	err = mgr.SubmitWebhook(context.Background(), runID, brain.WebhookSubmission{
		Slug: "approval", Identifier: "req-1", Token: "secret", Response: map[string]any{"approved": true},
	})
	require.NoError(t, err)

	run, err = store.Load(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, brain.StatusComplete, run.Status)
}
