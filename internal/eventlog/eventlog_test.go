package eventlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/pkg/schema"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.ndjson"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendAssignsMonotonicSequence(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	runID := uuid.New().String()

	for i := 0; i < 5; i++ {
		e := &Event{RunID: runID, TaskID: "a", Type: schema.EventTaskStart}
		require.NoError(t, l.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestLog_SequencesAreScopedPerRun(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e1 := &Event{RunID: "run-1", Type: schema.EventDAGStart}
	e2 := &Event{RunID: "run-2", Type: schema.EventDAGStart}
	require.NoError(t, l.Append(ctx, e1))
	require.NoError(t, l.Append(ctx, e2))

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(1), e2.Sequence)
}

func TestLog_EventsFiltersByRun(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, &Event{RunID: "run-1", Type: schema.EventDAGStart}))
	require.NoError(t, l.Append(ctx, &Event{RunID: "run-2", Type: schema.EventDAGStart}))
	require.NoError(t, l.Append(ctx, &Event{RunID: "run-1", TaskID: "a", Type: schema.EventTaskOK}))

	events, err := l.Events("run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventDAGStart, events[0].Type)
	assert.Equal(t, schema.EventTaskOK, events[1].Type)
}

func TestLog_EventsByType(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for _, et := range []string{schema.EventTaskStart, schema.EventTaskRetry, schema.EventTaskRetry, schema.EventTaskOK} {
		require.NoError(t, l.Append(ctx, &Event{RunID: "run-1", TaskID: "a", Type: et}))
	}

	retries, err := l.EventsByType(schema.EventTaskRetry, "run-1")
	require.NoError(t, err)
	assert.Len(t, retries, 2)
}

func TestLog_SequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, &Event{RunID: "run-1", Type: schema.EventDAGStart}))
	require.NoError(t, l.Append(ctx, &Event{RunID: "run-1", Type: schema.EventDAGDone}))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()

	e := &Event{RunID: "run-1", Type: schema.EventRunResumed}
	require.NoError(t, l.Append(ctx, e))
	assert.Equal(t, int64(3), e.Sequence)
}

func TestLog_ReplayOutputs(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, &Event{
		RunID: "run-1", TaskID: "extract", Type: schema.EventTaskOK,
		Payload: map[string]any{"output": map[string]any{"rows": 12.0}},
	}))
	require.NoError(t, l.Append(ctx, &Event{
		RunID: "run-1", TaskID: "transform", Type: schema.EventTaskOK,
		Payload: map[string]any{"output": map[string]any{"rows": 9.0}},
	}))
	require.NoError(t, l.Append(ctx, &Event{
		RunID: "run-1", TaskID: "load", Type: schema.EventTaskFail,
		Payload: map[string]any{"error": "boom"},
	}))

	outputs, err := l.ReplayOutputs("run-1")
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, 12.0, outputs["extract"]["rows"])
	_, hasFailed := outputs["load"]
	assert.False(t, hasFailed)
}

func TestLog_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = l.Append(ctx, &Event{RunID: "run-1", TaskID: "a", Type: schema.EventTaskRetry})
			}
		}(i)
	}
	wg.Wait()

	events, err := l.Events("run-1")
	require.NoError(t, err)
	require.Len(t, events, 160)

	// Per-run sequence must be gap-free after concurrent appends.
	seen := make(map[int64]bool, len(events))
	for _, e := range events {
		seen[e.Sequence] = true
	}
	for i := int64(1); i <= 160; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestLog_RejectsEventWithoutRunID(t *testing.T) {
	l := newTestLog(t)
	err := l.Append(context.Background(), &Event{Type: schema.EventDAGStart})
	require.Error(t, err)
}
