package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/actor"
	"github.com/brainstack/brains/runtime/brain/eventlog"
	"github.com/brainstack/brains/runtime/brain/generator"
	"github.com/brainstack/brains/runtime/brain/model"
	"github.com/brainstack/brains/runtime/brain/runstore/inmem"
)

type stubProvider struct{}

func (stubProvider) Complete(context.Context, model.Request) (*model.Response, error) {
	return &model.Response{Messages: []model.Message{{Role: model.RoleAssistant}}}, nil
}

func greeterDef() actor.Definition {
	return actor.Definition{
		Ident:    "greeter",
		Title:    "Greeter Brain",
		Provider: stubProvider{},
		Build: func(map[string]any) ([]generator.Block, map[string]any, error) {
			return []generator.Block{
				generator.StepBlock{ID: "greet", Title: "greet", Run: func(context.Context, map[string]any) (json.RawMessage, error) {
					return nil, nil
				}},
			}, map[string]any{}, nil
		},
	}
}

func approverDef() actor.Definition {
	return actor.Definition{
		Ident:    "approver",
		Title:    "Approver Brain",
		Provider: stubProvider{},
		Build: func(map[string]any) ([]generator.Block, map[string]any, error) {
			return []generator.Block{
				generator.WaitBlock{ID: "wait", Title: "await approval", WaitFor: []brain.WebhookRegistration{
					{Slug: "approval", Identifier: "req-1", Token: "secret"},
				}},
				generator.StepBlock{ID: "after", Title: "after approval", Run: func(context.Context, map[string]any) (json.RawMessage, error) {
					return nil, nil
				}},
			}, map[string]any{}, nil
		},
	}
}

func newTestServer(defs ...actor.Definition) *httptest.Server {
	mgr := actor.NewManager(defs, eventlog.NewFactory(), inmem.New(), nil)
	return httptest.NewServer(NewServer(mgr, nil).Handler())
}

func TestStartRunCompletesAndSummaryReflectsIt(t *testing.T) {
	srv := newTestServer(greeterDef())
	defer srv.Close()

	body, _ := json.Marshal(startRunRequest{Identifier: "greeter"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var started startRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.BrainRunID)

	summaryResp, err := http.Get(srv.URL + "/brains/runs/" + started.BrainRunID)
	require.NoError(t, err)
	defer summaryResp.Body.Close()
	require.Equal(t, http.StatusOK, summaryResp.StatusCode)

	var run brain.Run
	require.NoError(t, json.NewDecoder(summaryResp.Body).Decode(&run))
	assert.Equal(t, brain.StatusComplete, run.Status)
}

func TestStartRunUnknownIdentifierIs404(t *testing.T) {
	srv := newTestServer(greeterDef())
	defer srv.Close()

	body, _ := json.Marshal(startRunRequest{Identifier: "nope"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRunAmbiguousIdentifierIs300(t *testing.T) {
	srv := newTestServer(greeterDef(), approverDef())
	defer srv.Close()

	// "er Brain" fuzzy-matches both "Greeter Brain" and "Approver Brain".
	body, _ := json.Marshal(startRunRequest{Identifier: "er Brain"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMultipleChoices, resp.StatusCode)
}

func TestBrainStructureListsSteps(t *testing.T) {
	srv := newTestServer(greeterDef())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/brains/greeter")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out brainStructureResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Steps, 1)
	assert.Equal(t, "greet", out.Steps[0].ID)
	assert.Equal(t, "step", out.Steps[0].Kind)
}

func TestWebhookDeliveryResumesMatchingRun(t *testing.T) {
	srv := newTestServer(approverDef())
	defer srv.Close()

	body, _ := json.Marshal(startRunRequest{Identifier: "approver"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var started startRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	summaryResp, err := http.Get(srv.URL + "/brains/runs/" + started.BrainRunID)
	require.NoError(t, err)
	var run brain.Run
	require.NoError(t, json.NewDecoder(summaryResp.Body).Decode(&run))
	summaryResp.Body.Close()
	require.Equal(t, brain.StatusWaiting, run.Status)

	hookBody, _ := json.Marshal(webhookDeliveryRequest{Identifier: "req-1", Token: "secret", Response: map[string]any{"approved": true}})
	hookResp, err := http.Post(srv.URL+"/webhooks/approval", "application/json", bytes.NewReader(hookBody))
	require.NoError(t, err)
	defer hookResp.Body.Close()
	require.Equal(t, http.StatusOK, hookResp.StatusCode)

	var delivery webhookDeliveryResponse
	require.NoError(t, json.NewDecoder(hookResp.Body).Decode(&delivery))
	assert.Equal(t, "resumed", delivery.Action)

	summaryResp2, err := http.Get(srv.URL + "/brains/runs/" + started.BrainRunID)
	require.NoError(t, err)
	defer summaryResp2.Body.Close()
	var run2 brain.Run
	require.NoError(t, json.NewDecoder(summaryResp2.Body).Decode(&run2))
	assert.Equal(t, brain.StatusComplete, run2.Status)
}

func TestWebhookDeliveryNoMatchIsNotAnError(t *testing.T) {
	srv := newTestServer(approverDef())
	defer srv.Close()

	hookBody, _ := json.Marshal(webhookDeliveryRequest{Identifier: "nonexistent", Token: "wrong"})
	hookResp, err := http.Post(srv.URL+"/webhooks/approval", "application/json", bytes.NewReader(hookBody))
	require.NoError(t, err)
	defer hookResp.Body.Close()
	require.Equal(t, http.StatusOK, hookResp.StatusCode)

	var delivery webhookDeliveryResponse
	require.NoError(t, json.NewDecoder(hookResp.Body).Decode(&delivery))
	assert.Equal(t, "no-match", delivery.Action)
}

func TestKillWaitingRunCancelsIt(t *testing.T) {
	srv := newTestServer(approverDef())
	defer srv.Close()

	body, _ := json.Marshal(startRunRequest{Identifier: "approver"})
	resp, err := http.Post(srv.URL+"/brains/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var started startRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/brains/runs/"+started.BrainRunID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	// KILL is only honored at the next suspension point; since the run is
	// currently WAITING with no live executor, the signal sits in the
	// mailbox until a webhook (or another Resume) drains it. Submitting the
	// matching webhook should observe CANCELLED rather than COMPLETE.
	hookBody, _ := json.Marshal(webhookDeliveryRequest{Identifier: "req-1", Token: "secret"})
	hookResp, err := http.Post(srv.URL+"/webhooks/approval", "application/json", bytes.NewReader(hookBody))
	require.NoError(t, err)
	defer hookResp.Body.Close()

	summaryResp, err := http.Get(srv.URL + "/brains/runs/" + started.BrainRunID)
	require.NoError(t, err)
	defer summaryResp.Body.Close()
	var run brain.Run
	require.NoError(t, json.NewDecoder(summaryResp.Body).Decode(&run))
	assert.Equal(t, brain.StatusCancelled, run.Status)
}
