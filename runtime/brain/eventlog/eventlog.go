// Package eventlog defines the per-run append-only event log contract
// described in spec §4.1. Storage is an implementation choice; this package
// only fixes the append-only ordering contract. See inmem.go for the
// in-process reference implementation and redislog for a durable,
// cross-process one.
package eventlog

import (
	"context"

	"github.com/brainstack/brains/runtime/brain"
)

type (
	// Log is the append-only ordered sequence of events for a single run.
	Log interface {
		// Append assigns the next Seq and stores e. Fails with
		// brainerr.ErrRunTerminal if the run has already reached a terminal
		// status (spec invariant: terminal statuses accept no new events).
		Append(ctx context.Context, e brain.Event) (seq int64, err error)

		// Scan returns every event with Seq > fromSeq, in order.
		Scan(ctx context.Context, fromSeq int64) ([]brain.Event, error)

		// Subscribe begins delivering events appended after the call returns,
		// exactly once each, in order, until ctx is done or unsubscribe is
		// called. The channel is closed on either exit path.
		Subscribe(ctx context.Context) (events <-chan brain.Event, unsubscribe func())

		// History returns every event with Seq > fromSeq, together with a live
		// subscription that begins exactly where that snapshot ends. The
		// snapshot and the subscription registration happen atomically under
		// the same lock Append holds, so no event is ever delivered twice or
		// dropped between the two (spec §5's gap-free, duplicate-free watcher
		// guarantee). Callers that need both a backfill and a tail — the
		// dispatcher's watch endpoints — must use this instead of calling Scan
		// and Subscribe separately.
		History(ctx context.Context, fromSeq int64) (history []brain.Event, tail <-chan brain.Event, unsubscribe func())

		// MarkTerminal permanently closes the log to further Append calls.
		// Idempotent.
		MarkTerminal(ctx context.Context) error
	}

	// Factory constructs or retrieves the Log for a given run id. Concrete
	// backends (inmem, redislog) implement this to multiplex many runs
	// through one store.
	Factory interface {
		ForRun(runID string) Log
	}
)
