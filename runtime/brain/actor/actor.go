// Package actor implements the Run Actor (spec §4.5): the single owner of
// one run's event log and mailbox, responsible for the at-most-one-live-
// executor invariant and for reconstructing a generator.ResumeContext by
// replaying a run's event log before resuming it.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/eventlog"
	"github.com/brainstack/brains/runtime/brain/generator"
	"github.com/brainstack/brains/runtime/brain/model"
	"github.com/brainstack/brains/runtime/brain/runstore"
	"github.com/brainstack/brains/runtime/brain/statemachine"
	"github.com/brainstack/brains/runtime/brain/telemetry"
)

// Definition registers one brain type: its identifier, display title, the
// LLM provider its agent blocks call, and the function that builds its
// top-level block list and initial state from the options a caller starts
// it with.
type Definition struct {
	Ident    brain.Ident
	Title    string
	Provider model.Provider
	Build    func(options map[string]any) (blocks []generator.Block, initialState map[string]any, err error)
}

// Actor owns one run's event log and mailbox. Only one goroutine may be
// inside Start/Resume for a given Actor at a time; the mu/running guard
// enforces that regardless of which operation a caller races against it.
type Actor struct {
	runID  string
	def    Definition
	log    eventlog.Log
	store  runstore.Store
	logger telemetry.Logger
	policy generator.Policy

	mailbox chan brain.Signal

	mu      sync.Mutex
	running bool
}

// SetPolicy installs the default iteration/token budget every agent block
// this Actor runs falls back to when a block leaves MaxIterations or
// MaxTokens unset. A Manager calls this right after New, and again on every
// live Actor whenever its own policy changes.
func (a *Actor) SetPolicy(p generator.Policy) {
	a.policy = p
}

// New constructs an Actor bound to one run and one def. Callers must route
// every operation for a given runID through the same Actor instance — a
// Manager does this by keying a registry on runID.
func New(runID string, def Definition, log eventlog.Log, store runstore.Store, logger telemetry.Logger) *Actor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Actor{
		runID:   runID,
		def:     def,
		log:     log,
		store:   store,
		logger:  logger,
		mailbox: make(chan brain.Signal, 64),
	}
}

// RunID returns the run this Actor owns.
func (a *Actor) RunID() string { return a.runID }

// Emit implements generator.Emitter and agentloop.Emitter: it appends one
// event to the run's log and updates the persisted run header to match.
func (a *Actor) Emit(ctx context.Context, eventType brain.EventType, payload any) error {
	seq, err := a.log.Append(ctx, brain.Event{RunID: a.runID, Type: eventType, Payload: brain.EncodePayload(payload)})
	if err != nil {
		return err
	}
	return a.touchRun(ctx, seq, eventType)
}

func (a *Actor) touchRun(ctx context.Context, seq int64, eventType brain.EventType) error {
	run, err := a.store.Load(ctx, a.runID)
	if err != nil {
		if err != runstore.ErrNotFound {
			return err
		}
		run = brain.Run{BrainRunID: a.runID, BrainTitle: a.def.Title, Type: string(a.def.Ident), CreatedAt: nowNanos()}
	}
	run.LastSeq = seq
	switch eventType {
	case brain.EventComplete:
		// A nested brain's COMPLETE is not terminal; the projection tracks depth
		// and reports COMPLETE only once the root brain finishes.
		events, err := a.log.Scan(ctx, 0)
		if err != nil {
			return err
		}
		st, err := statemachine.Project(events)
		if err != nil {
			return err
		}
		run.Status = st.Status()
		if run.Status == brain.StatusComplete {
			run.CompletedAt = nowNanos()
		}
	case brain.EventError:
		run.Status = brain.StatusError
		run.CompletedAt = nowNanos()
	case brain.EventCancelled:
		run.Status = brain.StatusCancelled
		run.CompletedAt = nowNanos()
	case brain.EventPaused:
		run.Status = brain.StatusPaused
	case brain.EventWebhook, brain.EventAgentWebhook:
		run.Status = brain.StatusWaiting
	case brain.EventStart:
		if run.StartedAt == 0 {
			run.StartedAt = nowNanos()
		}
		run.Status = brain.StatusRunning
	default:
		if !run.Status.Terminal() {
			run.Status = brain.StatusRunning
		}
	}
	return a.store.Upsert(ctx, run)
}

// Drain implements generator.Signals and agentloop.Signals.
func (a *Actor) Drain() []brain.Signal {
	var out []brain.Signal
	for {
		select {
		case sig := <-a.mailbox:
			out = append(out, sig)
		default:
			return out
		}
	}
}

// Kill posts a KILL signal, honored at the next suspension point inside the
// live executor (spec §5).
func (a *Actor) Kill(ctx context.Context) error {
	return a.post(ctx, brain.Signal{Kind: brain.SignalKill})
}

// Pause posts a PAUSE signal.
func (a *Actor) Pause(ctx context.Context) error {
	return a.post(ctx, brain.Signal{Kind: brain.SignalPause})
}

// SendUserMessage posts a USER_MESSAGE signal, consumed at the top of the
// agent loop's next iteration. One that is still in the mailbox when the
// generator reaches a block boundary is drained and dropped there.
func (a *Actor) SendUserMessage(ctx context.Context, content string) error {
	return a.post(ctx, brain.Signal{Kind: brain.SignalUserMessage, UserMessageContent: content})
}

func (a *Actor) post(ctx context.Context, sig brain.Signal) error {
	select {
	case a.mailbox <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch delegates directly to the log's gap-free/duplicate-free History
// (spec §5): no separate broadcast mechanism is needed here because
// eventlog.Log.Append already fans out to subscribers under its own lock.
func (a *Actor) Watch(ctx context.Context, fromSeq int64) ([]brain.Event, <-chan brain.Event, func()) {
	return a.log.History(ctx, fromSeq)
}

// acquire enforces the at-most-one-live-executor invariant.
func (a *Actor) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return false
	}
	a.running = true
	return true
}

func (a *Actor) release() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Start begins a fresh run. It fails with brainerr.ErrRunTerminal if this
// Actor already has a live executor (callers should only ever call Start
// once per runID; a Manager enforces that by construction).
func (a *Actor) Start(ctx context.Context, options map[string]any) error {
	if !a.acquire() {
		return brainerr.ErrRunTerminal
	}
	defer a.release()

	blocks, initialState, err := a.def.Build(options)
	if err != nil {
		return fmt.Errorf("%w: %v", brainerr.ErrConfiguration, err)
	}
	run := brain.Run{
		BrainRunID: a.runID, BrainTitle: a.def.Title, Type: string(a.def.Ident),
		Status: brain.StatusPending, Options: options, CreatedAt: nowNanos(),
	}
	if err := a.store.Upsert(ctx, run); err != nil {
		return err
	}

	gen := generator.New(a.def.Title, blocks, a.def.Provider, a, a, initialState).WithPolicy(a.policy)
	res, err := gen.Start(ctx)
	return a.finish(ctx, res, err)
}

// Resume replays the run's event log to reconstruct a generator.ResumeContext
// and re-enters the brain from its last suspension point. webhookResponse is
// non-nil only when resuming to deliver an answered webhook.
func (a *Actor) Resume(ctx context.Context, webhookResponse *brain.WebhookResponseData) error {
	if !a.acquire() {
		return brainerr.ErrRunTerminal
	}
	defer a.release()

	events, err := a.log.Scan(ctx, 0)
	if err != nil {
		return err
	}
	st, err := statemachine.Project(events)
	if err != nil {
		return err
	}
	if st.Machine == statemachine.Complete || st.Machine == statemachine.Cancelled || st.Machine == statemachine.Error {
		return brainerr.ErrRunTerminal
	}

	run, err := a.store.Load(ctx, a.runID)
	if err != nil {
		return err
	}
	blocks, _, err := a.def.Build(run.Options)
	if err != nil {
		return fmt.Errorf("%w: %v", brainerr.ErrConfiguration, err)
	}

	rc := reconstructResumeContext(st, events, st.RootBrain, blocks, webhookResponse)

	gen := generator.New(a.def.Title, blocks, a.def.Provider, a, a, st.CurrentState).WithPolicy(a.policy)
	res, err := gen.Resume(ctx, rc.StepIndex, rc)
	return a.finish(ctx, res, err)
}

// SubmitWebhook validates an inbound webhook delivery against the run's
// currently pending registrations and, on a match, resumes the run. A run
// only has pending webhooks while WAITING, a state with no live executor, so
// this always goes straight to Resume rather than through the mailbox.
func (a *Actor) SubmitWebhook(ctx context.Context, sub brain.WebhookSubmission) error {
	events, err := a.log.Scan(ctx, 0)
	if err != nil {
		return err
	}
	st, err := statemachine.Project(events)
	if err != nil {
		return err
	}
	matched := false
	for _, reg := range st.PendingWebhooks {
		if reg.Matches(sub.Slug, sub.Identifier, sub.Token) {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: no pending webhook matches slug=%q identifier=%q", brainerr.ErrConfiguration, sub.Slug, sub.Identifier)
	}
	return a.Resume(ctx, &brain.WebhookResponseData{Slug: sub.Slug, Identifier: sub.Identifier, Response: sub.Response})
}

func (a *Actor) finish(ctx context.Context, res generator.Result, err error) error {
	if err != nil {
		a.logger.Error(ctx, "brain run execution failed", "runId", a.runID, "err", err)
		return err
	}
	switch res.Outcome {
	case generator.OutcomeComplete, generator.OutcomeCancelled, generator.OutcomeError:
		return a.log.MarkTerminal(ctx)
	default:
		return nil
	}
}

// reconstructResumeContext walks the Running-Brain Tree from root to its
// deepest node, matching each level's currently active step against that
// level's block list to find a resume index, and recursing through nested
// brains via InnerResume. Only the root level's brain state is durably
// projected (spec §4.2 only folds STEP_COMPLETE patches at depth 1); a
// nested level's state is rebuilt by re-calling its BrainBlock.Blocks against
// the enclosing level's current state, exactly as a fresh descent would.
func reconstructResumeContext(st *statemachine.State, events []brain.Event, node *brain.BrainNode, blocks []generator.Block, webhookResponse *brain.WebhookResponseData) *generator.ResumeContext {
	if node == nil {
		return &generator.ResumeContext{}
	}

	var activeStepID string
	if node.InnerBrain != nil {
		activeStepID = node.InnerBrain.ParentStepID
	} else {
		activeStepID = st.CurrentStepID
	}

	idx := indexOfBlock(blocks, activeStepID)
	rc := &generator.ResumeContext{StepIndex: idx}

	if node.InnerBrain == nil {
		// Deepest node: this is the actual suspension point. webhookResponse
		// threads through regardless of whether the suspension was a plain
		// WaitBlock or a tool-use webhook inside an agent loop; only the
		// latter also carries a reconstructed AgentContext.
		rc.WebhookResponse = webhookResponse
		if st.AgentContext != nil {
			rc.AgentContext = st.AgentContext
		}
		rc.BatchProcessedCount = maxBatchProcessedCount(events, activeStepID)
		return rc
	}

	// Descend: rebuild the inner brain's block list the same way runBrain
	// does when it first pushes this level, then recurse one level deeper.
	if idx >= 0 {
		if bb, ok := blocks[idx].(generator.BrainBlock); ok {
			childBlocks, _, err := bb.Blocks(st.CurrentState)
			if err == nil {
				rc.InnerResume = reconstructResumeContext(st, events, node.InnerBrain, childBlocks, webhookResponse)
			}
		}
	}
	return rc
}

func indexOfBlock(blocks []generator.Block, stepID string) int {
	if stepID == "" {
		return 0
	}
	for i, b := range blocks {
		if b.BlockID() == stepID {
			return i
		}
	}
	return 0
}

// maxBatchProcessedCount re-derives a batch's resume offset directly from the
// log rather than from the projected State, which intentionally drops
// per-block batch progress (statemachine.go: "resume-context reconstruction
// re-derives batch progress directly from the log").
func maxBatchProcessedCount(events []brain.Event, stepID string) int {
	max := 0
	for _, e := range events {
		if e.Type != brain.EventBatchChunkComplete {
			continue
		}
		p, err := brain.DecodePayload[brain.BatchChunkCompletePayload](e)
		if err != nil || p.StepID != stepID {
			continue
		}
		if p.ProcessedCount > max {
			max = p.ProcessedCount
		}
	}
	return max
}

func nowNanos() int64 { return time.Now().UnixNano() }

// newRunID generates a fresh run identifier.
func newRunID() string { return uuid.NewString() }
