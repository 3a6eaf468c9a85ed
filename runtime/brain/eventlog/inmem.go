package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
)

// memLog is the in-memory reference Log implementation. It is not durable
// across process restarts; suitable for tests and single-process
// deployments. All operations are thread-safe.
//
// The append lock also guards subscriber registration so that
// "flush history -> attach subscriber" happens atomically (spec §5's
// gap-free, duplicate-free watcher guarantee): History snapshots the
// current event slice and registers its channel under the same mutex that
// Append holds while appending, so no event can be appended between the
// snapshot and the registration.
type memLog struct {
	mu       sync.Mutex
	events   []brain.Event
	terminal bool
	subs     map[*subscription]struct{}
}

type subscription struct {
	ch     chan brain.Event
	cancel context.CancelFunc
}

// NewLog constructs an empty in-memory Log.
func NewLog() Log {
	return &memLog{subs: make(map[*subscription]struct{})}
}

func (l *memLog) Append(_ context.Context, e brain.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminal {
		return 0, brainerr.ErrRunTerminal
	}
	e.Seq = int64(len(l.events)) + 1
	e.At = time.Now().UnixNano()
	l.events = append(l.events, e)
	for sub := range l.subs {
		select {
		case sub.ch <- e:
		default:
			// Backpressure policy (spec §5): a watcher that cannot keep up is
			// dropped rather than blocking the append path.
			sub.cancel()
		}
	}
	return e.Seq, nil
}

func (l *memLog) Scan(_ context.Context, fromSeq int64) ([]brain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]brain.Event, 0, len(l.events))
	for _, e := range l.events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memLog) Subscribe(ctx context.Context) (<-chan brain.Event, func()) {
	l.mu.Lock()
	ch, unsubscribe := l.subscribeLocked(ctx)
	l.mu.Unlock()
	return ch, unsubscribe
}

// subscribeLocked registers a new subscription. Callers must hold l.mu.
func (l *memLog) subscribeLocked(ctx context.Context) (chan brain.Event, func()) {
	ch := make(chan brain.Event, 256)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{ch: ch, cancel: cancel}
	l.subs[sub] = struct{}{}

	unsubscribe := func() {
		l.mu.Lock()
		delete(l.subs, sub)
		l.mu.Unlock()
		cancel()
	}

	go func() {
		<-subCtx.Done()
		l.mu.Lock()
		delete(l.subs, sub)
		l.mu.Unlock()
		close(ch)
	}()

	return ch, unsubscribe
}

// History snapshots events after fromSeq and registers the tail subscription
// under the same lock, so no Append landing between the two can be missed or
// double-delivered.
func (l *memLog) History(ctx context.Context, fromSeq int64) ([]brain.Event, <-chan brain.Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]brain.Event, 0, len(l.events))
	for _, e := range l.events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	ch, unsubscribe := l.subscribeLocked(ctx)
	return out, ch, unsubscribe
}

func (l *memLog) MarkTerminal(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminal = true
	return nil
}

// memFactory multiplexes memLog instances keyed by run id.
type memFactory struct {
	mu   sync.Mutex
	logs map[string]Log
}

// NewFactory constructs a Factory backed by per-run in-memory logs.
func NewFactory() Factory {
	return &memFactory{logs: make(map[string]Log)}
}

func (f *memFactory) ForRun(runID string) Log {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[runID]
	if !ok {
		l = NewLog()
		f.logs[runID] = l
	}
	return l
}
