// Package redislog implements eventlog.Log on Redis Streams, giving a run's
// event log durability across process restarts and letting a dispatcher node
// that didn't start a run still serve its watch stream. Each run gets its own
// stream key; XADD assigns entries, a maintained terminal flag key rejects
// further appends once a run reaches a terminal status, and a PubSub channel
// per run carries live fan-out to Subscribe callers (XREAD alone cannot wake
// a blocked reader the instant a sibling process appends, so appends publish
// as well as XADD).
package redislog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/eventlog"
)

const (
	streamField   = "event"
	keyPrefix     = "brainlog:"
	terminalField = "terminal"
)

// Factory constructs redis-backed Logs, one stream per run.
type Factory struct {
	client *redis.Client
}

// NewFactory wraps an existing redis client. The caller owns the client's
// lifecycle (connection pooling, TLS, auth).
func NewFactory(client *redis.Client) eventlog.Factory {
	return &Factory{client: client}
}

func (f *Factory) ForRun(runID string) eventlog.Log {
	return &Log{client: f.client, runID: runID, key: keyPrefix + runID, channel: keyPrefix + runID + ":live"}
}

// Log is the per-run Redis Streams handle.
type Log struct {
	client  *redis.Client
	runID   string
	key     string
	channel string

	// mu serializes this process's own Append calls against its own
	// History snapshots, matching memLog's single-process guarantee.
	// The cross-process append lock is Redis's own per-key command
	// serialization: seq is assigned via INCR on a dedicated counter key, so
	// two processes racing to append never hand out the same seq.
	mu sync.Mutex
}

func (l *Log) Append(ctx context.Context, e brain.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	terminal, err := l.client.HGet(ctx, l.key+":meta", terminalField).Bool()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redislog: checking terminal flag: %w", err)
	}
	if terminal {
		return 0, brainerr.ErrRunTerminal
	}

	seq, err := l.client.Incr(ctx, l.key+":seq").Result()
	if err != nil {
		return 0, fmt.Errorf("redislog: allocating seq: %w", err)
	}
	e.Seq = seq
	e.At = time.Now().UnixNano()
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("redislog: marshaling event: %w", err)
	}
	if _, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		Values: map[string]any{streamField: payload},
	}).Result(); err != nil {
		return 0, fmt.Errorf("redislog: XADD: %w", err)
	}
	if e.Type == brain.EventComplete || e.Type == brain.EventError || e.Type == brain.EventCancelled {
		if err := l.client.HSet(ctx, l.key+":meta", terminalField, true).Err(); err != nil {
			return 0, fmt.Errorf("redislog: marking terminal: %w", err)
		}
	}
	if err := l.client.Publish(ctx, l.channel, payload).Err(); err != nil {
		return 0, fmt.Errorf("redislog: publishing to live channel: %w", err)
	}
	return e.Seq, nil
}

func (l *Log) Scan(ctx context.Context, fromSeq int64) ([]brain.Event, error) {
	entries, err := l.client.XRange(ctx, l.key, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redislog: XRANGE: %w", err)
	}
	out := make([]brain.Event, 0, len(entries))
	for _, entry := range entries {
		e, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *Log) Subscribe(ctx context.Context) (<-chan brain.Event, func()) {
	sub := l.client.Subscribe(ctx, l.channel)
	ch := make(chan brain.Event, 256)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e brain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				select {
				case ch <- e:
				default:
					// Backpressure policy (spec §5): drop a watcher that cannot keep up
					// rather than block the publisher.
					cancel()
					return
				}
			}
		}
	}()

	return ch, cancel
}

// History snapshots via Scan and registers the live subscription while
// holding this Log's own lock, so no event appended by this process between
// the two is missed or double-delivered. A run's log is owned exclusively by
// its one live Run Actor (spec §5), so there is never a concurrent writer
// from another process to race against.
func (l *Log) History(ctx context.Context, fromSeq int64) ([]brain.Event, <-chan brain.Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	history, err := l.Scan(ctx, fromSeq)
	if err != nil {
		history = nil
	}
	ch, cancel := l.Subscribe(ctx)
	return history, ch, cancel
}

func (l *Log) MarkTerminal(ctx context.Context) error {
	return l.client.HSet(ctx, l.key+":meta", terminalField, true).Err()
}

func decodeEntry(entry redis.XMessage) (brain.Event, error) {
	raw, ok := entry.Values[streamField]
	if !ok {
		return brain.Event{}, fmt.Errorf("redislog: stream entry %s missing %q field", entry.ID, streamField)
	}
	s, ok := raw.(string)
	if !ok {
		return brain.Event{}, fmt.Errorf("redislog: stream entry %s field %q not a string", entry.ID, streamField)
	}
	var e brain.Event
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return brain.Event{}, fmt.Errorf("redislog: decoding entry %s: %w", entry.ID, err)
	}
	return e, nil
}
