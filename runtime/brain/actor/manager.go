package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/eventlog"
	"github.com/brainstack/brains/runtime/brain/generator"
	"github.com/brainstack/brains/runtime/brain/runstore"
	"github.com/brainstack/brains/runtime/brain/statemachine"
	"github.com/brainstack/brains/runtime/brain/telemetry"
)

// Manager is the dispatcher-facing registry of brain Definitions and live
// Actors. It is what makes "at most one live executor per run" hold across
// concurrent HTTP requests, not just within a single Actor: two requests
// racing to resume the same run id are handed the same *Actor, and its own
// running flag rejects the second one.
type Manager struct {
	logs  eventlog.Factory
	store runstore.Store
	logger telemetry.Logger

	mu     sync.Mutex
	defs   map[brain.Ident]Definition
	actors map[string]*Actor
	policy generator.Policy
}

// SetPolicy installs the default iteration/token budget applied to every
// Actor this Manager constructs from this call onward, including Actors
// already live (an in-flight run picks up the new budget on its next Start
// or Resume). A deployment calls this once at startup with the values from
// its loaded configuration.
func (m *Manager) SetPolicy(p generator.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
	for _, a := range m.actors {
		a.SetPolicy(p)
	}
}

// NewManager constructs a Manager over a set of registered brain Definitions.
func NewManager(defs []Definition, logs eventlog.Factory, store runstore.Store, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	byIdent := make(map[brain.Ident]Definition, len(defs))
	for _, d := range defs {
		byIdent[d.Ident] = d
	}
	return &Manager{logs: logs, store: store, logger: logger, defs: byIdent, actors: make(map[string]*Actor)}
}

// Definitions returns every registered brain Definition.
func (m *Manager) Definitions() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	return out
}

// Lookup resolves a brain Definition by its exact identifier.
func (m *Manager) Lookup(ident brain.Ident) (Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[ident]
	return d, ok
}

// ActorFor returns the single live Actor for runID, constructing it (bound to
// def) on first use. Every caller for a given runID must go through the same
// Manager for the at-most-one-live-executor invariant to hold process-wide.
func (m *Manager) ActorFor(runID string, def Definition) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[runID]; ok {
		return a
	}
	a := New(runID, def, m.logs.ForRun(runID), m.store, m.logger)
	a.SetPolicy(m.policy)
	m.actors[runID] = a
	return a
}

// StartNew allocates a fresh run id for ident and starts it, returning the
// new run id. The caller's options become the run header's Options and are
// replayed verbatim into def.Build on every future Resume (spec §6 rerun
// semantics start a distinct new run from the same options instead).
func (m *Manager) StartNew(ctx context.Context, ident brain.Ident, options map[string]any) (string, error) {
	def, ok := m.Lookup(ident)
	if !ok {
		return "", fmt.Errorf("%w: unknown brain %q", brainerr.ErrBrainNotFound, ident)
	}
	runID := newRunID()
	a := m.ActorFor(runID, def)
	if err := a.Start(ctx, options); err != nil {
		return runID, err
	}
	return runID, nil
}

// Resume resumes an existing run by id, looking up its Definition via the
// persisted run header's Type.
func (m *Manager) Resume(ctx context.Context, runID string, webhookResponse *brain.WebhookResponseData) error {
	run, err := m.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	def, ok := m.Lookup(brain.Ident(run.Type))
	if !ok {
		return fmt.Errorf("%w: run %q has unknown brain type %q", brainerr.ErrBrainNotFound, runID, run.Type)
	}
	return m.ActorFor(runID, def).Resume(ctx, webhookResponse)
}

// Kill, Pause, SendUserMessage, and SubmitWebhook resolve runID to its live
// Actor the same way Resume does, then forward the call.

func (m *Manager) Kill(ctx context.Context, runID string) error {
	a, err := m.existingActor(ctx, runID)
	if err != nil {
		return err
	}
	return a.Kill(ctx)
}

func (m *Manager) Pause(ctx context.Context, runID string) error {
	a, err := m.existingActor(ctx, runID)
	if err != nil {
		return err
	}
	return a.Pause(ctx)
}

func (m *Manager) SendUserMessage(ctx context.Context, runID, content string) error {
	a, err := m.existingActor(ctx, runID)
	if err != nil {
		return err
	}
	return a.SendUserMessage(ctx, content)
}

func (m *Manager) SubmitWebhook(ctx context.Context, runID string, sub brain.WebhookSubmission) error {
	a, err := m.existingActor(ctx, runID)
	if err != nil {
		return err
	}
	return a.SubmitWebhook(ctx, sub)
}

func (m *Manager) Watch(ctx context.Context, runID string, fromSeq int64) ([]brain.Event, <-chan brain.Event, func(), error) {
	a, err := m.existingActor(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	history, tail, unsubscribe := a.Watch(ctx, fromSeq)
	return history, tail, unsubscribe, nil
}

// Store returns the Manager's RunStore, for dispatcher queries (run summary,
// active-runs, history) that don't need an Actor at all.
func (m *Manager) Store() runstore.Store { return m.store }

// FindWebhookRun searches every currently WAITING run for a pending
// registration matching (slug, identifier, token), since the webhook wire
// contract (`POST /webhooks/:slug`) carries no run id (spec.md §6). Returns
// ok=false, no error, when nothing outstanding matches — per spec §7 that is
// the non-error "no-match" case, not a failure.
func (m *Manager) FindWebhookRun(ctx context.Context, slug, identifier, token string) (runID string, ok bool, err error) {
	waiting, err := m.store.ByStatus(ctx, brain.StatusWaiting)
	if err != nil {
		return "", false, err
	}
	for _, run := range waiting {
		events, err := m.logs.ForRun(run.BrainRunID).Scan(ctx, 0)
		if err != nil {
			return "", false, err
		}
		st, err := statemachine.Project(events)
		if err != nil {
			return "", false, err
		}
		for _, reg := range st.PendingWebhooks {
			if reg.Matches(slug, identifier, token) {
				return run.BrainRunID, true, nil
			}
		}
	}
	return "", false, nil
}

func (m *Manager) existingActor(ctx context.Context, runID string) (*Actor, error) {
	run, err := m.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	def, ok := m.Lookup(brain.Ident(run.Type))
	if !ok {
		return nil, fmt.Errorf("%w: run %q has unknown brain type %q", brainerr.ErrBrainNotFound, runID, run.Type)
	}
	return m.ActorFor(runID, def), nil
}
