// Package runstore persists the small per-run header described in spec §6
// ("Persisted state layout"): status, title, timestamps, and the last seen
// sequence number. The full event log is the source of truth for everything
// else; a Store exists purely so the dispatcher can answer run-summary and
// history queries without replaying every log on every request.
package runstore

import (
	"context"
	"errors"

	"github.com/brainstack/brains/runtime/brain"
)

// ErrNotFound indicates no header exists for the given run id.
var ErrNotFound = errors.New("runstore: run not found")

// Store persists and queries Run headers. Implementations must be safe for
// concurrent use; many Run Actors across many runs share one Store.
type Store interface {
	// Upsert inserts or replaces the header for r.BrainRunID.
	Upsert(ctx context.Context, r brain.Run) error

	// Load retrieves the header for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (brain.Run, error)

	// ActiveByBrain returns headers with Status == RUNNING for the given
	// brain identifier (spec §6 `/brains/:identifier/active-runs`).
	ActiveByBrain(ctx context.Context, brainType string) ([]brain.Run, error)

	// HistoryByBrain returns up to limit most-recent headers for the given
	// brain identifier, newest first (spec §6 `/brains/:identifier/history`).
	HistoryByBrain(ctx context.Context, brainType string, limit int) ([]brain.Run, error)

	// ByStatus returns headers across every brain type with the given status,
	// newest first. Used by the Dispatcher's global watch snapshot and by
	// webhook delivery (`POST /webhooks/:slug`), which must search every
	// WAITING run for a matching registration since the wire contract carries
	// no brain identifier or run id, only (slug, identifier, token).
	ByStatus(ctx context.Context, status brain.Status) ([]brain.Run, error)
}
