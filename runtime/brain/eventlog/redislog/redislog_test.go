package redislog_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/brainerr"
	"github.com/brainstack/brains/runtime/brain/eventlog"
	"github.com/brainstack/brains/runtime/brain/eventlog/redislog"
)

func newTestFactory(t *testing.T) (*miniredis.Miniredis, eventlog.Factory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, redislog.NewFactory(client)
}

func TestLogAppendAssignsMonotonicSeq(t *testing.T) {
	_, f := newTestFactory(t)
	l := f.ForRun("run-1")
	ctx := context.Background()

	seq1, err := l.Append(ctx, brain.Event{Type: brain.EventStart})
	require.NoError(t, err)
	seq2, err := l.Append(ctx, brain.Event{Type: brain.EventStepStart})
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
}

func TestLogScanReturnsEventsAfterFromSeq(t *testing.T) {
	_, f := newTestFactory(t)
	l := f.ForRun("run-1")
	ctx := context.Background()

	_, err := l.Append(ctx, brain.Event{Type: brain.EventStart})
	require.NoError(t, err)
	_, err = l.Append(ctx, brain.Event{Type: brain.EventStepStart})
	require.NoError(t, err)

	out, err := l.Scan(ctx, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, brain.EventStepStart, out[0].Type)
}

func TestLogAppendMarksTerminalOnCompleteAndRejectsFurtherAppends(t *testing.T) {
	_, f := newTestFactory(t)
	l := f.ForRun("run-1")
	ctx := context.Background()

	_, err := l.Append(ctx, brain.Event{Type: brain.EventComplete})
	require.NoError(t, err)

	_, err = l.Append(ctx, brain.Event{Type: brain.EventStepStart})
	assert.ErrorIs(t, err, brainerr.ErrRunTerminal)
}

func TestLogMarkTerminalExplicitlyRejectsFurtherAppends(t *testing.T) {
	_, f := newTestFactory(t)
	l := f.ForRun("run-1")
	ctx := context.Background()

	require.NoError(t, l.MarkTerminal(ctx))

	_, err := l.Append(ctx, brain.Event{Type: brain.EventStart})
	assert.ErrorIs(t, err, brainerr.ErrRunTerminal)
}

func TestLogSubscribeDeliversPublishedEvent(t *testing.T) {
	_, f := newTestFactory(t)
	l := f.ForRun("run-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := l.Subscribe(ctx)
	defer unsubscribe()

	// miniredis delivers pubsub asynchronously; give the subscription time to
	// register before publishing.
	time.Sleep(50 * time.Millisecond)

	_, err := l.Append(context.Background(), brain.Event{Type: brain.EventStepStart})
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, brain.EventStepStart, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestFactoryForRunIsolatesStreamsByRunID(t *testing.T) {
	_, f := newTestFactory(t)
	a := f.ForRun("run-a")
	b := f.ForRun("run-b")
	ctx := context.Background()

	_, err := a.Append(ctx, brain.Event{Type: brain.EventStart})
	require.NoError(t, err)

	outA, err := a.Scan(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, outA, 1)

	outB, err := b.Scan(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, outB, 0)
}
