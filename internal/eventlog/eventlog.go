// Package eventlog implements the append-only run event log: one JSON record
// per line, never mutated or deleted. The log is the sole source of
// historical truth for a DAG run.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gantryhq/gantry/pkg/schema"
)

// Event is an immutable entry in the run event log.
type Event struct {
	RunID      string         `json:"run_id"`
	DAGName    string         `json:"dag_name,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	Tenant     string         `json:"tenant,omitempty"`
	Type       string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// Log is an append-only newline-delimited JSON event log.
// Appends are serialized by a mutex so concurrent drain workers cannot
// interleave records.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  map[string]int64 // run ID → last sequence
}

// Open opens (or creates) the event log at path. Existing records are
// scanned once to seed per-run sequence counters.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}

	l := &Log{path: path, seq: make(map[string]int64)}

	events, err := readAll(path)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Sequence > l.seq[e.RunID] {
			l.seq[e.RunID] = e.Sequence
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	l.file = f
	return l, nil
}

// Append writes one event record. The event's per-run sequence and timestamp
// are assigned here; events within one run are appended in real execution
// order and never reordered.
func (l *Log) Append(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run ID")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq[event.RunID]++
	event.Sequence = l.seq[event.RunID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal event: %s", err.Error()).WithCause(err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Events returns all events for a run in append order.
func (l *Log) Events(runID string) ([]*Event, error) {
	return l.filter(func(e *Event) bool { return e.RunID == runID })
}

// EventsByType returns all events of the given type, optionally restricted
// to one run.
func (l *Log) EventsByType(eventType, runID string) ([]*Event, error) {
	return l.filter(func(e *Event) bool {
		return e.Type == eventType && (runID == "" || e.RunID == runID)
	})
}

// ReplayOutputs rebuilds the task output mapping of a run from its task_ok
// events. Used when resuming a suspended run so downstream merges see the
// outputs produced before suspension.
func (l *Log) ReplayOutputs(runID string) (map[string]map[string]any, error) {
	events, err := l.Events(runID)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]map[string]any)
	for _, e := range events {
		if e.Type != schema.EventTaskOK || e.TaskID == "" {
			continue
		}
		out, _ := e.Payload["output"].(map[string]any)
		outputs[e.TaskID] = out
	}
	return outputs, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *Log) filter(keep func(*Event) bool) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := readAll(l.path)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, e := range all {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func readAll(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "corrupt event record: %s", err.Error()).WithCause(err)
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}
