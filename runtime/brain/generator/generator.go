// Package generator implements the Stream Generator (spec §4.4): a
// block-sequenced driver that walks a brain's block list in order, executing
// each block and emitting the events that build up the Running-Brain Tree.
// A Generator advances until it runs out of blocks (COMPLETE), hits a
// suspension point (PAUSED/WAITING), or is killed (CANCELLED); it never
// blocks on external I/O itself — each block kind owns its own suspension
// logic, and the generator only sequences them.
package generator

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"golang.org/x/time/rate"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/agentloop"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/model"
	"github.com/brainstack/brains/runtime/brain/tools"
)

// Emitter appends one event to the owning run's log.
type Emitter interface {
	Emit(ctx context.Context, eventType brain.EventType, payload any) error
}

// Signals drains pending mailbox signals without blocking.
type Signals interface {
	Drain() []brain.Signal
}

// Block is one entry in a brain's block list. Concrete block kinds (StepBlock,
// BatchBlock, AgentBlock, BrainBlock, GuardBlock, WaitBlock, UIBlock) satisfy
// this by carrying their own ID/Title.
type Block interface {
	BlockID() string
	BlockTitle() string
}

// StepBlock runs a plain synchronous unit of work. A failure is retried
// exactly once before escaping to the run's error path (spec §4.4).
type StepBlock struct {
	ID    string
	Title string
	// Run executes the step against the current brain state and returns a
	// JSON-patch (RFC 6902) to merge into it, or nil for no state change.
	Run func(ctx context.Context, state map[string]any) (json.RawMessage, error)
}

func (b StepBlock) BlockID() string    { return b.ID }
func (b StepBlock) BlockTitle() string { return b.Title }

// BatchBlock processes a list of items in fixed-size chunks, persisting
// progress after each chunk via BATCH_CHUNK_COMPLETE so a pause/resume or
// crash never reprocesses completed work (spec §4.4).
type BatchBlock struct {
	ID        string
	Title     string
	Items     []json.RawMessage
	ChunkSize int
	Process   func(ctx context.Context, item json.RawMessage) (any, error)
	// Reduce folds every item result into a JSON-patch merged into brain
	// state once the batch finishes. Optional; nil means no state change.
	Reduce func(results []any) (json.RawMessage, error)
}

func (b BatchBlock) BlockID() string    { return b.ID }
func (b BatchBlock) BlockTitle() string { return b.Title }

// AgentBlock runs an agent tool-use loop to its next suspension point
// (spec §4.3).
type AgentBlock struct {
	ID               string
	Title            string
	Prompt           string
	SystemPrompt     string
	Tools            []tools.Def
	ToolChoice       model.ToolChoice
	MaxIterations    int
	MaxTokens        int
	OutputSchemaName string
	OutputSchema     json.RawMessage

	// RateLimiter, when non-nil, paces this block's provider calls; see
	// agentloop.Config.RateLimiter.
	RateLimiter *rate.Limiter
}

func (b AgentBlock) BlockID() string    { return b.ID }
func (b AgentBlock) BlockTitle() string { return b.Title }

// BrainBlock pushes a nested brain onto the Running-Brain Tree: a fresh
// START (depth+1) titled ChildTitle runs the block list and initial state that
// Blocks builds, to completion, before control returns to the parent step
// (spec §4.2's InnerBrain chain).
type BrainBlock struct {
	ID         string
	Title      string
	ChildTitle string
	// Blocks builds the nested brain's block list and initial state from the
	// parent's current state.
	Blocks func(state map[string]any) (blocks []Block, initialState map[string]any, err error)
}

func (b BrainBlock) BlockID() string    { return b.ID }
func (b BrainBlock) BlockTitle() string { return b.Title }

// GuardBlock halts the remaining block list early (without error) when Check
// returns false, marking itself HALTED instead of COMPLETE.
type GuardBlock struct {
	ID    string
	Title string
	Check func(state map[string]any) bool
}

func (b GuardBlock) BlockID() string    { return b.ID }
func (b GuardBlock) BlockTitle() string { return b.Title }

// WaitBlock declares a direct webhook suspension point outside of an agent
// loop.
type WaitBlock struct {
	ID      string
	Title   string
	WaitFor []brain.WebhookRegistration
}

func (b WaitBlock) BlockID() string    { return b.ID }
func (b WaitBlock) BlockTitle() string { return b.Title }

// UIBlock renders a value into brain state under the "ui" key, for brains
// that surface an intermediate view to a watching client.
type UIBlock struct {
	ID     string
	Title  string
	Render func(state map[string]any) any
}

func (b UIBlock) BlockID() string    { return b.ID }
func (b UIBlock) BlockTitle() string { return b.Title }

// Outcome classifies why Generator.Start/Resume returned, or why one block's
// execution finished.
type Outcome string

const (
	// OutcomeAdvance: the current block finished normally; proceed to the next.
	OutcomeAdvance Outcome = "advance"
	// OutcomeHalt: a guard stopped the block list early, without error.
	OutcomeHalt Outcome = "halt"
	// OutcomeComplete: every block ran (or a guard halted); the run/brain is done.
	OutcomeComplete Outcome = "complete"
	OutcomePaused   Outcome = "paused"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeWaiting  Outcome = "waiting"
	OutcomeError    Outcome = "error"
)

// Result is what Generator.Start/Resume returns.
type Result struct {
	Outcome Outcome
	Err     *brain.RunError
	WaitFor []brain.WebhookRegistration
}

// ResumeContext carries everything needed to re-enter a brain mid-execution,
// reconstructed by replaying its event log (spec §4.5).
type ResumeContext struct {
	StepIndex           int
	AgentContext        *brain.AgentContext
	WebhookResponse     *brain.WebhookResponseData
	BatchProcessedCount int
	InnerResume         *ResumeContext
}

// Policy carries deployment-wide floors applied to an AgentBlock's own
// MaxIterations/MaxTokens when it leaves them at zero. The zero Policy
// applies no floor, matching prior behavior exactly.
type Policy struct {
	DefaultMaxIterations int
	DefaultMaxTokens     int
}

// Generator drives one brain's (or nested brain's) block list.
type Generator struct {
	title    string
	blocks   []Block
	provider model.Provider
	emit     Emitter
	signals  Signals
	state    map[string]any
	policy   Policy
}

// New constructs a Generator for a fresh (non-resumed) run.
func New(title string, blocks []Block, provider model.Provider, emit Emitter, signals Signals, initialState map[string]any) *Generator {
	if initialState == nil {
		initialState = map[string]any{}
	}
	return &Generator{title: title, blocks: blocks, provider: provider, emit: emit, signals: signals, state: initialState}
}

// WithPolicy sets the deployment-wide policy floors applied to AgentBlocks
// that omit their own MaxIterations/MaxTokens, and returns g for chaining.
func (g *Generator) WithPolicy(p Policy) *Generator {
	g.policy = p
	return g
}

// Start emits START and runs the block list from the beginning.
func (g *Generator) Start(ctx context.Context) (Result, error) {
	if err := g.emit.Emit(ctx, brain.EventStart, brain.StartPayload{
		Title: g.title, InitialState: g.state, TopLevelStepCount: len(g.blocks),
	}); err != nil {
		return Result{}, err
	}
	return g.run(ctx, 0, nil)
}

// Resume emits RESUMED and continues the block list from a reconstructed
// suspension point.
func (g *Generator) Resume(ctx context.Context, fromIndex int, rc *ResumeContext) (Result, error) {
	if err := g.emit.Emit(ctx, brain.EventResumed, nil); err != nil {
		return Result{}, err
	}
	return g.run(ctx, fromIndex, rc)
}

// State returns the generator's current projected brain state, for callers
// that need it after a Start/Resume call returns (e.g. to persist a run
// header snapshot).
func (g *Generator) State() map[string]any { return g.state }

func (g *Generator) run(ctx context.Context, fromIndex int, rc *ResumeContext) (Result, error) {
	i := fromIndex
	for ; i < len(g.blocks); i++ {
		for _, sig := range g.signals.Drain() {
			switch sig.Kind {
			case brain.SignalKill:
				if err := g.emit.Emit(ctx, brain.EventCancelled, nil); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeCancelled}, nil
			case brain.SignalPause:
				if err := g.emit.Emit(ctx, brain.EventPaused, nil); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomePaused}, nil
			}
		}

		var blockRC *ResumeContext
		if rc != nil && i == fromIndex {
			blockRC = rc
		}

		res, err := g.runBlock(ctx, g.blocks[i], blockRC)
		if err != nil {
			runErr := &brain.RunError{Name: "TerminalRuntimeError", Message: err.Error()}
			if emitErr := g.emit.Emit(ctx, brain.EventError, brain.ErrorPayload{Name: runErr.Name, Message: runErr.Message}); emitErr != nil {
				return Result{}, emitErr
			}
			return Result{Outcome: OutcomeError, Err: runErr}, nil
		}
		switch res.Outcome {
		case OutcomePaused, OutcomeCancelled, OutcomeWaiting, OutcomeError:
			return res, nil
		case OutcomeHalt:
			i = len(g.blocks)
		}
	}

	if err := g.emit.Emit(ctx, brain.EventComplete, nil); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeComplete}, nil
}

func (g *Generator) runBlock(ctx context.Context, block Block, rc *ResumeContext) (Result, error) {
	switch b := block.(type) {
	case StepBlock:
		return g.runStep(ctx, b)
	case BatchBlock:
		return g.runBatch(ctx, b, rc)
	case AgentBlock:
		return g.runAgent(ctx, b, rc)
	case BrainBlock:
		return g.runBrain(ctx, b, rc)
	case GuardBlock:
		return g.runGuard(ctx, b)
	case WaitBlock:
		return g.runWait(ctx, b, rc)
	case UIBlock:
		return g.runUI(ctx, b)
	default:
		return Result{}, fmt.Errorf("generator: unknown block kind %T", block)
	}
}

func (g *Generator) runStep(ctx context.Context, b StepBlock) (Result, error) {
	if err := g.emit.Emit(ctx, brain.EventStepStart, brain.StepStartPayload{StepID: b.ID, Title: b.Title}); err != nil {
		return Result{}, err
	}
	patch, err := b.Run(ctx, g.state)
	if err != nil {
		if emitErr := g.emit.Emit(ctx, brain.EventStepRetry, brain.StepRetryPayload{StepID: b.ID}); emitErr != nil {
			return Result{}, emitErr
		}
		patch, err = b.Run(ctx, g.state)
		if err != nil {
			return Result{}, fmt.Errorf("%w: step %q: %v", brainerr.ErrTerminalRuntime, b.ID, err)
		}
	}
	if len(patch) > 0 {
		merged, err := applyPatch(g.state, patch)
		if err != nil {
			return Result{}, fmt.Errorf("generator: applying patch for step %q: %w", b.ID, err)
		}
		g.state = merged
	}
	if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID, Patch: patch}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAdvance}, nil
}

func (g *Generator) runBatch(ctx context.Context, b BatchBlock, rc *ResumeContext) (Result, error) {
	if rc == nil {
		if err := g.emit.Emit(ctx, brain.EventStepStart, brain.StepStartPayload{StepID: b.ID, Title: b.Title}); err != nil {
			return Result{}, err
		}
	}

	chunkSize := b.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(b.Items)
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	start := 0
	if rc != nil {
		start = rc.BatchProcessedCount
	}
	results := make([]any, 0, len(b.Items))

	for start < len(b.Items) {
		end := start + chunkSize
		if end > len(b.Items) {
			end = len(b.Items)
		}
		chunkResults := make([]any, 0, end-start)
		for _, item := range b.Items[start:end] {
			out, err := b.Process(ctx, item)
			if err != nil {
				return Result{}, fmt.Errorf("%w: batch %q: %v", brainerr.ErrProvider, b.ID, err)
			}
			chunkResults = append(chunkResults, out)
		}
		results = append(results, chunkResults...)
		if err := g.emit.Emit(ctx, brain.EventBatchChunkComplete, brain.BatchChunkCompletePayload{
			StepID: b.ID, ChunkIndex: start / chunkSize, ProcessedCount: end, Results: chunkResults,
		}); err != nil {
			return Result{}, err
		}
		start = end

		for _, sig := range g.signals.Drain() {
			switch sig.Kind {
			case brain.SignalKill:
				if err := g.emit.Emit(ctx, brain.EventCancelled, nil); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomeCancelled}, nil
			case brain.SignalPause:
				// Progress up to `start` is already durable via
				// BATCH_CHUNK_COMPLETE; resume simply restarts at start.
				if err := g.emit.Emit(ctx, brain.EventPaused, nil); err != nil {
					return Result{}, err
				}
				return Result{Outcome: OutcomePaused}, nil
			}
		}
	}

	var patch json.RawMessage
	if b.Reduce != nil {
		p, err := b.Reduce(results)
		if err != nil {
			return Result{}, err
		}
		patch = p
		merged, err := applyPatch(g.state, patch)
		if err != nil {
			return Result{}, err
		}
		g.state = merged
	}
	if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID, Patch: patch}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAdvance}, nil
}

func (g *Generator) runAgent(ctx context.Context, b AgentBlock, rc *ResumeContext) (Result, error) {
	registry, err := tools.NewRegistry(b.Tools, b.OutputSchemaName, b.OutputSchema)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", brainerr.ErrConfiguration, err)
	}
	maxIterations := b.MaxIterations
	if maxIterations == 0 {
		maxIterations = g.policy.DefaultMaxIterations
	}
	maxTokens := b.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.policy.DefaultMaxTokens
	}
	cfg := agentloop.Config{
		StepID: b.ID, StepTitle: b.Title, Prompt: b.Prompt, SystemPrompt: b.SystemPrompt,
		Tools: registry, ToolChoice: b.ToolChoice, MaxIterations: maxIterations, MaxTokens: maxTokens,
		OutputSchemaName: b.OutputSchemaName, RateLimiter: b.RateLimiter,
	}

	var loop *agentloop.Loop
	if rc != nil && rc.AgentContext != nil {
		loop, err = agentloop.Resume(ctx, cfg, g.provider, g.emit, g.signals, rc.AgentContext, rc.WebhookResponse)
		if err != nil {
			return Result{}, err
		}
	} else {
		if err := g.emit.Emit(ctx, brain.EventStepStart, brain.StepStartPayload{StepID: b.ID, Title: b.Title}); err != nil {
			return Result{}, err
		}
		if err := g.emit.Emit(ctx, brain.EventAgentStart, brain.AgentStartPayload{
			StepID: b.ID, Title: b.Title, Prompt: b.Prompt, SystemPrompt: b.SystemPrompt,
		}); err != nil {
			return Result{}, err
		}
		loop = agentloop.New(cfg, g.provider, g.emit, g.signals)
	}

	res, err := loop.Run(ctx)
	if err != nil {
		return Result{}, err
	}

	switch res.Outcome {
	case agentloop.OutcomePaused:
		return Result{Outcome: OutcomePaused}, nil
	case agentloop.OutcomeCancelled:
		return Result{Outcome: OutcomeCancelled}, nil
	case agentloop.OutcomeWaiting:
		return Result{Outcome: OutcomeWaiting, WaitFor: res.WaitFor}, nil
	case agentloop.OutcomeTokenLimit, agentloop.OutcomeIterationLimit, agentloop.OutcomeAssistantMessage:
		// Non-error terminal outcomes (spec §7): the step completes with
		// whatever state the agent produced, no patch to merge.
		if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID}); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeAdvance}, nil
	case agentloop.OutcomeComplete:
		patch, merged, err := buildMergePatch(g.state, res.CompleteResult)
		if err != nil {
			return Result{}, err
		}
		g.state = merged
		if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID, Patch: patch}); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeAdvance}, nil
	default:
		return Result{}, fmt.Errorf("generator: unknown agent outcome %q", res.Outcome)
	}
}

func (g *Generator) runBrain(ctx context.Context, b BrainBlock, rc *ResumeContext) (Result, error) {
	childBlocks, childInitial, err := b.Blocks(g.state)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", brainerr.ErrConfiguration, err)
	}
	child := &Generator{title: b.ChildTitle, blocks: childBlocks, provider: g.provider, emit: g.emit, signals: g.signals, state: childInitial}

	var childResult Result
	if rc != nil && rc.InnerResume != nil {
		childResult, err = child.run(ctx, rc.InnerResume.StepIndex, rc.InnerResume)
	} else {
		if err := g.emit.Emit(ctx, brain.EventStart, brain.StartPayload{
			Title: b.ChildTitle, InitialState: childInitial, TopLevelStepCount: len(childBlocks), ParentStepID: b.ID,
		}); err != nil {
			return Result{}, err
		}
		childResult, err = child.run(ctx, 0, nil)
	}
	if err != nil {
		return Result{}, err
	}

	switch childResult.Outcome {
	case OutcomePaused, OutcomeCancelled, OutcomeWaiting, OutcomeError:
		return childResult, nil
	default:
		// child.run already emitted COMPLETE for the nested depth; the state
		// machine splices the child's steps onto this block's step (spec §4.2).
		return Result{Outcome: OutcomeAdvance}, nil
	}
}

func (g *Generator) runGuard(ctx context.Context, b GuardBlock) (Result, error) {
	if err := g.emit.Emit(ctx, brain.EventStepStart, brain.StepStartPayload{StepID: b.ID, Title: b.Title}); err != nil {
		return Result{}, err
	}
	if !b.Check(g.state) {
		if err := g.emit.Emit(ctx, brain.EventStepStatus, brain.StepStatusPayload{
			Steps: []brain.StepInfo{{ID: b.ID, Title: b.Title, Status: brain.StepHalted}},
		}); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeHalt}, nil
	}
	if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAdvance}, nil
}

func (g *Generator) runWait(ctx context.Context, b WaitBlock, rc *ResumeContext) (Result, error) {
	if rc != nil && rc.WebhookResponse != nil {
		if err := g.emit.Emit(ctx, brain.EventWebhookResponse, brain.WebhookResponsePayload{
			Slug: rc.WebhookResponse.Slug, Identifier: rc.WebhookResponse.Identifier, Response: rc.WebhookResponse.Response,
		}); err != nil {
			return Result{}, err
		}
		if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID}); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeAdvance}, nil
	}
	if err := g.emit.Emit(ctx, brain.EventStepStart, brain.StepStartPayload{StepID: b.ID, Title: b.Title}); err != nil {
		return Result{}, err
	}
	if err := g.emit.Emit(ctx, brain.EventWebhook, brain.WebhookPayload{WaitFor: b.WaitFor}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeWaiting, WaitFor: b.WaitFor}, nil
}

func (g *Generator) runUI(ctx context.Context, b UIBlock) (Result, error) {
	if err := g.emit.Emit(ctx, brain.EventStepStart, brain.StepStartPayload{StepID: b.ID, Title: b.Title}); err != nil {
		return Result{}, err
	}
	rendered := b.Render(g.state)
	patch, merged, err := buildMergePatch(g.state, map[string]any{"ui": rendered})
	if err != nil {
		return Result{}, err
	}
	g.state = merged
	if err := g.emit.Emit(ctx, brain.EventStepComplete, brain.StepCompletePayload{StepID: b.ID, Patch: patch}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAdvance}, nil
}

func applyPatch(state map[string]any, patch json.RawMessage) (map[string]any, error) {
	doc, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, err
	}
	merged, err := p.Apply(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// buildMergePatch constructs an RFC 6902 patch that sets every top-level key
// of merge onto state, applies it, and returns both the patch bytes and the
// resulting state. A non-object merge value is wrapped under "result".
func buildMergePatch(state map[string]any, merge any) (json.RawMessage, map[string]any, error) {
	m, ok := merge.(map[string]any)
	if !ok {
		m = map[string]any{"result": merge}
	}
	ops := make([]map[string]any, 0, len(m))
	for k, v := range m {
		op := "add"
		if _, exists := state[k]; exists {
			op = "replace"
		}
		ops = append(ops, map[string]any{"op": op, "path": "/" + k, "value": v})
	}
	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, nil, err
	}
	newState, err := applyPatch(state, patchBytes)
	if err != nil {
		return nil, nil, err
	}
	return patchBytes, newState, nil
}
