// Package dispatcher implements the Dispatcher wire surface (spec.md §4.6,
// §6): a plain net/http + SSE HTTP API over an actor.Manager. It is the one
// significant standard-library-only concern in this module (see DESIGN.md)
// because the teacher's own HTTP surface is entirely generated from a Goa
// DSL, and spec.md's interface is a small, fixed set of eleven routes rather
// than a DSL-described service.
package dispatcher

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/actor"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/generator"
	"github.com/brainstack/brains/runtime/brain/runstore"
	"github.com/brainstack/brains/runtime/brain/telemetry"
)

// Server is the Dispatcher HTTP handler. Construct one per process; it holds
// no state of its own beyond the Manager it fronts.
type Server struct {
	manager *actor.Manager
	logger  telemetry.Logger
}

// NewServer constructs a Dispatcher bound to manager.
func NewServer(manager *actor.Manager, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{manager: manager, logger: logger}
}

// Handler returns the routed http.Handler for the eleven endpoints spec.md
// §6 names.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /brains/runs", s.handleStartRun)
	mux.HandleFunc("GET /brains/runs/{runId}/watch", s.handleWatchRun)
	mux.HandleFunc("GET /brains/runs/{runId}", s.handleRunSummary)
	mux.HandleFunc("DELETE /brains/runs/{runId}", s.handleKillRun)
	mux.HandleFunc("POST /brains/runs/rerun", s.handleRerun)
	mux.HandleFunc("GET /brains", s.handleListBrains)
	mux.HandleFunc("GET /brains/watch", s.handleWatchAllBrains)
	mux.HandleFunc("GET /brains/{identifier}", s.handleBrainStructure)
	mux.HandleFunc("GET /brains/{identifier}/active-runs", s.handleActiveRuns)
	mux.HandleFunc("GET /brains/{identifier}/history", s.handleHistory)
	mux.HandleFunc("POST /webhooks/{slug}", s.handleWebhook)

	return mux
}

// --- POST /brains/runs ---

type startRunRequest struct {
	Identifier string         `json:"identifier"`
	Options    map[string]any `json:"options,omitempty"`
}

type startRunResponse struct {
	BrainRunID string `json:"brainRunId"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, candidates, err := s.resolve(req.Identifier)
	if err != nil {
		writeResolutionError(w, err, candidates)
		return
	}
	runID, err := s.manager.StartNew(r.Context(), def.Ident, req.Options)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, startRunResponse{BrainRunID: runID})
}

// --- GET /brains/runs/:runId ---

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	run, err := s.manager.Store().Load(r.Context(), runID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- DELETE /brains/runs/:runId ---

func (s *Server) handleKillRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if err := s.manager.Kill(r.Context(), runID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- GET /brains/runs/:runId/watch ---

func (s *Server) handleWatchRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	fromSeq := parseFromSeq(r)

	history, tail, unsubscribe, err := s.manager.Watch(r.Context(), runID, fromSeq)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer unsubscribe()

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("dispatcher: streaming unsupported"))
		return
	}
	for _, e := range history {
		if err := sse.send(e); err != nil {
			return
		}
	}
	for {
		select {
		case e, open := <-tail:
			if !open {
				return
			}
			if err := sse.send(e); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- POST /brains/runs/rerun ---

type rerunRequest struct {
	Identifier string `json:"identifier"`
	RunID      string `json:"runId,omitempty"`
	StartsAt   string `json:"startsAt,omitempty"`
	StopsAfter string `json:"stopsAfter,omitempty"`
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	var req rerunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, candidates, err := s.resolve(req.Identifier)
	if err != nil {
		writeResolutionError(w, err, candidates)
		return
	}

	var options map[string]any
	if req.RunID != "" {
		prior, err := s.manager.Store().Load(r.Context(), req.RunID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		options = prior.Options
	}

	truncated := def
	truncated.Build = truncateBuild(def.Build, req.StartsAt, req.StopsAfter)

	runID := uuid.NewString()
	if err := s.manager.ActorFor(runID, truncated).Start(r.Context(), options); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, startRunResponse{BrainRunID: runID})
}

// truncateBuild wraps a brain's Build function to slice its block list down
// to [startsAt, stopsAfter] (by block id, inclusive), per SPEC_FULL.md
// Supplemented Feature 4's resolution of spec.md §6's rerun endpoint. Either
// bound may be empty, meaning "from the start" / "through the end".
func truncateBuild(build func(map[string]any) ([]generator.Block, map[string]any, error), startsAt, stopsAfter string) func(map[string]any) ([]generator.Block, map[string]any, error) {
	return func(options map[string]any) ([]generator.Block, map[string]any, error) {
		blocks, state, err := build(options)
		if err != nil {
			return nil, nil, err
		}
		start, end := 0, len(blocks)
		if startsAt != "" {
			if i := indexOfBlockID(blocks, startsAt); i >= 0 {
				start = i
			}
		}
		if stopsAfter != "" {
			if i := indexOfBlockID(blocks, stopsAfter); i >= 0 {
				end = i + 1
			}
		}
		if start > end {
			start = end
		}
		return blocks[start:end], state, nil
	}
}

func indexOfBlockID(blocks []generator.Block, id string) int {
	for i, b := range blocks {
		if b.BlockID() == id {
			return i
		}
	}
	return -1
}

// --- GET /brains, GET /brains/:identifier ---

type brainListItem struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
}

type brainListResponse struct {
	Brains []brainListItem `json:"brains"`
	Count  int             `json:"count"`
}

func (s *Server) handleListBrains(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	defs := s.manager.Definitions()
	items := make([]brainListItem, 0, len(defs))
	for _, d := range defs {
		if q != "" && !strings.Contains(strings.ToLower(string(d.Ident)), q) && !strings.Contains(strings.ToLower(d.Title), q) {
			continue
		}
		items = append(items, brainListItem{Identifier: string(d.Ident), Title: d.Title})
	}
	writeJSON(w, http.StatusOK, brainListResponse{Brains: items, Count: len(items)})
}

type brainStructureResponse struct {
	Identifier string          `json:"identifier"`
	Title      string          `json:"title"`
	Steps      []stepStructure `json:"steps"`
}

func (s *Server) handleBrainStructure(w http.ResponseWriter, r *http.Request) {
	ident := r.PathValue("identifier")
	def, candidates, err := s.resolve(ident)
	if err != nil {
		writeResolutionError(w, err, candidates)
		return
	}
	steps, err := describeBrain(def)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, brainStructureResponse{Identifier: string(def.Ident), Title: def.Title, Steps: steps})
}

// --- GET /brains/:identifier/active-runs, /history ---

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	def, candidates, err := s.resolve(r.PathValue("identifier"))
	if err != nil {
		writeResolutionError(w, err, candidates)
		return
	}
	runs, err := s.manager.Store().ActiveByBrain(r.Context(), string(def.Ident))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	def, candidates, err := s.resolve(r.PathValue("identifier"))
	if err != nil {
		writeResolutionError(w, err, candidates)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.manager.Store().HistoryByBrain(r.Context(), string(def.Ident), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- GET /brains/watch ---

// handleWatchAllBrains polls the RunStore for currently RUNNING runs across
// every registered brain and emits a snapshot every tick. Unlike per-run
// watch, there is no single event log to tail here — "all currently-running
// brains" is a cross-run aggregate the event log model has no single owner
// for, so a bounded poll loop is the simplest faithful implementation.
func (s *Server) handleWatchAllBrains(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("dispatcher: streaming unsupported"))
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	send := func() bool {
		runs, err := s.manager.Store().ByStatus(r.Context(), brain.StatusRunning)
		if err != nil {
			return false
		}
		return sse.send(runs) == nil
	}
	if !send() {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !send() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- POST /webhooks/:slug ---

type webhookDeliveryRequest struct {
	Identifier string         `json:"identifier"`
	Token      string         `json:"token"`
	Response   map[string]any `json:"response,omitempty"`
}

type webhookDeliveryResponse struct {
	Received bool   `json:"received"`
	Action   string `json:"action"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	var req webhookDeliveryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	runID, found, err := s.manager.FindWebhookRun(r.Context(), slug, req.Identifier, req.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		// spec §7: a webhook mismatch is not an error; it's a no-match.
		writeJSON(w, http.StatusOK, webhookDeliveryResponse{Received: true, Action: "no-match"})
		return
	}

	sub := brain.WebhookSubmission{Slug: slug, Identifier: req.Identifier, Token: req.Token, Response: req.Response}
	if err := s.manager.SubmitWebhook(r.Context(), runID, sub); err != nil {
		writeJSON(w, http.StatusOK, webhookDeliveryResponse{Received: true, Action: "no-match"})
		return
	}
	writeJSON(w, http.StatusOK, webhookDeliveryResponse{Received: true, Action: "resumed"})
}

// --- shared helpers ---

// decodeJSON treats a missing or empty body as "no fields supplied" rather
// than a decode error, since several of these endpoints have no required
// body (e.g. options defaults to nil).
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type ambiguousResponse struct {
	MatchType  string          `json:"matchType"`
	Candidates []brainListItem `json:"candidates"`
}

func writeResolutionError(w http.ResponseWriter, err error, candidates []actor.Definition) {
	if errors.Is(err, brainerr.ErrBrainAmbiguous) {
		items := make([]brainListItem, len(candidates))
		for i, c := range candidates {
			items[i] = brainListItem{Identifier: string(c.Ident), Title: c.Title}
		}
		writeJSON(w, http.StatusMultipleChoices, ambiguousResponse{MatchType: "multiple", Candidates: items})
		return
	}
	writeError(w, http.StatusNotFound, err)
}

// statusFor maps a brainerr sentinel to its spec §7 HTTP status; anything
// else is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, brainerr.ErrBrainNotFound), errors.Is(err, brainerr.ErrRunNotFound), errors.Is(err, runstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, brainerr.ErrBrainAmbiguous):
		return http.StatusMultipleChoices
	case errors.Is(err, brainerr.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, brainerr.ErrRunTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseFromSeq(r *http.Request) int64 {
	v := r.URL.Query().Get("fromSeq")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

