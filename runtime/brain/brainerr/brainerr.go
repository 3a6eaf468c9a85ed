// Package brainerr defines the error taxonomy from spec §7 as sentinel
// values usable with errors.Is/errors.As, so dispatcher and actor code can
// classify failures without string matching.
package brainerr

import "errors"

// Sentinel categories. Wrap one of these with fmt.Errorf("...: %w", Sentinel)
// to preserve classification while adding context.
var (
	// ErrConfiguration covers missing bindings, unknown brain identifiers, and
	// malformed block lists. Never appended to an event log; surfaced as 4xx
	// by the dispatcher.
	ErrConfiguration = errors.New("brain: configuration error")

	// ErrProvider covers LLM call failures and network faults during tool
	// execution. Retried once inside a plain step; escapes to the step error
	// path from inside an agent iteration.
	ErrProvider = errors.New("brain: provider error")

	// ErrTerminalRuntime covers any uncaught exception in the stream
	// generator after retries are exhausted.
	ErrTerminalRuntime = errors.New("brain: terminal runtime error")

	// ErrCancelled marks a run terminated by an honored KILL signal.
	ErrCancelled = errors.New("brain: run cancelled")

	// ErrRunTerminal is returned by actor operations attempted against a run
	// whose status is already terminal (COMPLETE|ERROR|CANCELLED).
	ErrRunTerminal = errors.New("brain: run is terminal")

	// ErrBrainNotFound classifies a dispatcher identifier lookup that
	// resolved to zero candidates.
	ErrBrainNotFound = errors.New("brain: not found")

	// ErrBrainAmbiguous classifies a dispatcher identifier lookup that
	// resolved to more than one candidate.
	ErrBrainAmbiguous = errors.New("brain: ambiguous identifier")

	// ErrRunNotFound classifies a lookup for an unknown runId.
	ErrRunNotFound = errors.New("brain: run not found")
)

// ResourceExhaustion is deliberately not an error type: spec §7 classifies
// AGENT_ITERATION_LIMIT / AGENT_TOKEN_LIMIT as non-error outcomes where the
// step completes with whatever state the agent produced. Callers should
// branch on the emitted event type, not on an error return, to detect these.
