package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/eventlog"
	"github.com/gantryhq/gantry/internal/registry"
	"github.com/gantryhq/gantry/pkg/schema"
)

// memLog is an in-memory EventLog for runner tests.
type memLog struct {
	mu     sync.Mutex
	events []*eventlog.Event
}

func (m *memLog) Append(_ context.Context, ev *eventlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = int64(len(m.events) + 1)
	ev.Timestamp = time.Now().UTC()
	m.events = append(m.events, ev)
	return nil
}

func (m *memLog) ReplayOutputs(runID string) (map[string]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outputs := make(map[string]map[string]any)
	for _, ev := range m.events {
		if ev.RunID != runID || ev.Type != schema.EventTaskOK {
			continue
		}
		if out, ok := ev.Payload["output"].(map[string]any); ok {
			outputs[ev.TaskID] = out
		}
	}
	return outputs, nil
}

func (m *memLog) byType(eventType string) []*eventlog.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*eventlog.Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// memGates is an in-memory Gates for runner tests.
type memGates struct {
	mu          sync.Mutex
	checkpoints []*checkpoint.Checkpoint
	tokens      map[string]*checkpoint.ResumeToken
}

func newMemGates() *memGates {
	return &memGates{tokens: make(map[string]*checkpoint.ResumeToken)}
}

func (g *memGates) Create(_ context.Context, req checkpoint.CreateRequest) (*checkpoint.Checkpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := &checkpoint.Checkpoint{
		ID:           fmt.Sprintf("cp-%d", len(g.checkpoints)+1),
		DAGRunID:     req.DAGRunID,
		TaskID:       req.TaskID,
		Tenant:       req.Tenant,
		Prompt:       req.Prompt,
		RequiredRole: req.Role,
		InputSchema:  req.InputSchema,
		Status:       schema.CheckpointPending,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(checkpoint.DefaultTTL),
	}
	g.checkpoints = append(g.checkpoints, cp)
	return cp, nil
}

func (g *memGates) ForRun(_ context.Context, dagRunID string) ([]*checkpoint.Checkpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*checkpoint.Checkpoint
	for _, cp := range g.checkpoints {
		if cp.DAGRunID == dagRunID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (g *memGates) WriteResumeToken(_ context.Context, dagRunID, nextTaskID, tenant string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[dagRunID] = &checkpoint.ResumeToken{
		DAGRunID: dagRunID, NextTaskID: nextTaskID, Tenant: tenant, WrittenAt: time.Now().UTC(),
	}
	return nil
}

func (g *memGates) GetResumeToken(_ context.Context, dagRunID string) (*checkpoint.ResumeToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens[dagRunID], nil
}

func (g *memGates) approve(checkpointID, actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cp := range g.checkpoints {
		if cp.ID == checkpointID {
			cp.Status = schema.CheckpointApproved
			cp.ResolvedBy = actor
		}
	}
}

func newTestRunner(t *testing.T, reg *registry.Registry, gates Gates) (*Runner, *memLog) {
	t.Helper()
	log := &memLog{}
	return NewRunner(reg, log, gates, NoBackoff{}, nil), log
}

func echoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register("echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echoed": params}, nil
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return reg
}

func task(id, ref string, deps ...string) schema.TaskDefinition {
	return schema.TaskDefinition{ID: id, WorkflowRef: ref, DependsOn: deps}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var se *schema.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *schema.Error, got %T: %v", err, err)
	}
	if se.Code != code {
		t.Fatalf("expected code %s, got %s: %v", code, se.Code, err)
	}
}

func TestRunDAGSequentialChain(t *testing.T) {
	reg := echoRegistry(t)
	r, log := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name: "chain",
		Tasks: []schema.TaskDefinition{
			task("a", "echo"),
			task("b", "echo", "a"),
			task("c", "echo", "b"),
		},
	}

	res, err := r.RunDAG(context.Background(), def, Options{RunID: "run-1"})
	if err != nil {
		t.Fatalf("RunDAG failed: %v", err)
	}
	if res.TasksSucceeded != 3 || res.TasksFailed != 0 {
		t.Fatalf("expected 3 succeeded 0 failed, got %d/%d", res.TasksSucceeded, res.TasksFailed)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if res.Order[i] != id {
			t.Fatalf("expected order %v, got %v", want, res.Order)
		}
	}
	for _, id := range want {
		if _, ok := res.Outputs[id]; !ok {
			t.Fatalf("missing output for task %s", id)
		}
	}

	if n := len(log.byType(schema.EventDAGStart)); n != 1 {
		t.Fatalf("expected 1 dag_start, got %d", n)
	}
	done := log.byType(schema.EventDAGDone)
	if len(done) != 1 {
		t.Fatalf("expected 1 dag_done, got %d", len(done))
	}
	if done[0].Payload["status"] != "success" {
		t.Fatalf("expected dag_done status success, got %v", done[0].Payload["status"])
	}
	if n := len(log.byType(schema.EventTaskOK)); n != 3 {
		t.Fatalf("expected 3 task_ok, got %d", n)
	}
}

func TestRunDAGDryRun(t *testing.T) {
	reg := registry.New()
	r, log := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name: "plan-only",
		Tasks: []schema.TaskDefinition{
			task("a", "does-not-exist"),
			task("b", "does-not-exist", "a"),
		},
	}

	res, err := r.RunDAG(context.Background(), def, Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !res.DryRun {
		t.Fatal("expected DryRun flag set")
	}
	if res.PlannedTasks != 2 {
		t.Fatalf("expected 2 planned tasks, got %d", res.PlannedTasks)
	}
	if len(res.Order) != 2 || res.Order[0] != "a" || res.Order[1] != "b" {
		t.Fatalf("unexpected plan order %v", res.Order)
	}
	// Dry run must not touch the event log, even with unresolvable refs.
	if len(log.events) != 0 {
		t.Fatalf("expected no events during dry run, got %d", len(log.events))
	}
}

func TestRunDAGValidationFailureFatal(t *testing.T) {
	reg := echoRegistry(t)
	r, log := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name: "cyclic",
		Tasks: []schema.TaskDefinition{
			task("a", "echo", "b"),
			task("b", "echo", "a"),
		},
	}

	_, err := r.RunDAG(context.Background(), def, Options{})
	assertCode(t, err, schema.ErrCodeCycleDetected)
	if len(log.events) != 0 {
		t.Fatalf("expected no events on validation failure, got %d", len(log.events))
	}
}

func TestRunDAGRetrySucceedsWithinBudget(t *testing.T) {
	reg := registry.New()
	var calls int
	_ = reg.Register("flaky", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		if calls <= 2 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})
	r, log := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name:  "retrying",
		Tasks: []schema.TaskDefinition{{ID: "t", WorkflowRef: "flaky", Retries: 2}},
	}

	res, err := r.RunDAG(context.Background(), def, Options{RunID: "run-retry"})
	if err != nil {
		t.Fatalf("expected success within budget, got %v", err)
	}
	if res.TasksSucceeded != 1 {
		t.Fatalf("expected 1 succeeded, got %d", res.TasksSucceeded)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if n := len(log.byType(schema.EventTaskRetry)); n != 2 {
		t.Fatalf("expected 2 task_retry events, got %d", n)
	}
	if n := len(log.byType(schema.EventTaskFail)); n != 0 {
		t.Fatalf("expected no task_fail, got %d", n)
	}
}

func TestRunDAGRetryExhausted(t *testing.T) {
	reg := registry.New()
	var calls int
	_ = reg.Register("broken", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("permanent")
	})
	r, log := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name:  "doomed",
		Tasks: []schema.TaskDefinition{{ID: "t", WorkflowRef: "broken", Retries: 2}},
	}

	res, err := r.RunDAG(context.Background(), def, Options{RunID: "run-fail"})
	assertCode(t, err, schema.ErrCodeRetryExhausted)
	if calls != 3 {
		t.Fatalf("expected budget+1 = 3 attempts, got %d", calls)
	}
	if res.TasksFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", res.TasksFailed)
	}
	if n := len(log.byType(schema.EventTaskRetry)); n != 2 {
		t.Fatalf("expected 2 task_retry events, got %d", n)
	}
	if n := len(log.byType(schema.EventTaskFail)); n != 1 {
		t.Fatalf("expected 1 task_fail, got %d", n)
	}
	done := log.byType(schema.EventDAGDone)
	if len(done) != 1 || done[0].Payload["status"] != "failed" {
		t.Fatalf("expected dag_done with status failed, got %v", done)
	}
}

func TestRunDAGDefaultRetryBudget(t *testing.T) {
	reg := registry.New()
	var calls int
	_ = reg.Register("broken", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("nope")
	})
	r, _ := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name:  "defaults",
		Tasks: []schema.TaskDefinition{{ID: "t", WorkflowRef: "broken"}}, // no retries declared
	}

	_, err := r.RunDAG(context.Background(), def, Options{RunID: "run-def", MaxRetriesDefault: 3})
	assertCode(t, err, schema.ErrCodeRetryExhausted)
	if calls != 4 {
		t.Fatalf("expected default budget 3 + 1 = 4 attempts, got %d", calls)
	}
}

func TestRunDAGUnknownWorkflowFatal(t *testing.T) {
	reg := registry.New()
	r, log := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name:  "missing-ref",
		Tasks: []schema.TaskDefinition{{ID: "t", WorkflowRef: "ghost", Retries: 5}},
	}

	_, err := r.RunDAG(context.Background(), def, Options{RunID: "run-ghost"})
	assertCode(t, err, schema.ErrCodeUnknownWorkflow)
	// Unresolvable refs never retry.
	if n := len(log.byType(schema.EventTaskRetry)); n != 0 {
		t.Fatalf("expected no task_retry for unknown ref, got %d", n)
	}
	fails := log.byType(schema.EventTaskFail)
	if len(fails) != 1 {
		t.Fatalf("expected 1 task_fail, got %d", len(fails))
	}
	if attempts, ok := fails[0].Payload["attempts"].(int); !ok || attempts != 0 {
		t.Fatalf("expected task_fail with 0 attempts, got %v", fails[0].Payload["attempts"])
	}
}

func TestRunDAGUpstreamMergePrecedence(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("produce", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"value": "from-upstream"}, nil
	})
	var seen map[string]any
	_ = reg.Register("consume", func(_ context.Context, params map[string]any) (map[string]any, error) {
		seen = params
		return map[string]any{}, nil
	})
	r, _ := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name: "merge",
		Tasks: []schema.TaskDefinition{
			task("up", "produce"),
			{
				ID: "down", WorkflowRef: "consume", DependsOn: []string{"up"},
				Params: map[string]any{"up__value": "declared-wins", "own": 1},
			},
		},
	}

	if _, err := r.RunDAG(context.Background(), def, Options{RunID: "run-merge"}); err != nil {
		t.Fatalf("RunDAG failed: %v", err)
	}
	if seen["up__value"] != "declared-wins" {
		t.Fatalf("declared param should shadow upstream output, got %v", seen["up__value"])
	}
	if seen["own"] != 1 {
		t.Fatalf("expected own param preserved, got %v", seen["own"])
	}
}

func TestRunDAGWorkflowPanicIsRetried(t *testing.T) {
	reg := registry.New()
	var calls int
	_ = reg.Register("grenade", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return map[string]any{"recovered": true}, nil
	})
	r, _ := newTestRunner(t, reg, nil)

	def := &schema.DAGDefinition{
		Name:  "panicky",
		Tasks: []schema.TaskDefinition{{ID: "t", WorkflowRef: "grenade", Retries: 1}},
	}

	res, err := r.RunDAG(context.Background(), def, Options{RunID: "run-panic"})
	if err != nil {
		t.Fatalf("expected panic to be retried, got %v", err)
	}
	if res.TasksSucceeded != 1 {
		t.Fatalf("expected success after retry, got %d succeeded", res.TasksSucceeded)
	}
}

func TestRunDAGSuspendsAtApprovalGate(t *testing.T) {
	reg := echoRegistry(t)
	gates := newMemGates()
	r, log := newTestRunner(t, reg, gates)

	schemaJSON := json.RawMessage(`{"type":"object"}`)
	def := &schema.DAGDefinition{
		Name: "gated",
		Tasks: []schema.TaskDefinition{
			task("prep", "echo"),
			{
				ID: "deploy", WorkflowRef: "echo", DependsOn: []string{"prep"},
				Approval: &schema.ApprovalRequirement{
					Prompt: "ship it?", Role: "release-manager", InputSchema: schemaJSON,
				},
			},
			task("announce", "echo", "deploy"),
		},
	}

	res, err := r.RunDAG(context.Background(), def, Options{RunID: "run-gated", Tenant: "acme"})
	if err != nil {
		t.Fatalf("RunDAG failed: %v", err)
	}
	if !res.Suspended {
		t.Fatal("expected run to suspend at the gate")
	}
	if res.CheckpointID == "" {
		t.Fatal("expected checkpoint ID on suspended result")
	}
	if res.TasksSucceeded != 1 {
		t.Fatalf("expected only prep to run before suspension, got %d", res.TasksSucceeded)
	}

	tok, _ := gates.GetResumeToken(context.Background(), "run-gated")
	if tok == nil || tok.NextTaskID != "deploy" {
		t.Fatalf("expected resume token pointing at deploy, got %+v", tok)
	}
	if n := len(log.byType(schema.EventRunSuspended)); n != 1 {
		t.Fatalf("expected 1 run_suspended event, got %d", n)
	}
	if n := len(log.byType(schema.EventDAGDone)); n != 0 {
		t.Fatalf("suspended run must not emit dag_done, got %d", n)
	}
}

func TestResumeDAGAfterApproval(t *testing.T) {
	reg := echoRegistry(t)
	gates := newMemGates()
	r, log := newTestRunner(t, reg, gates)

	def := &schema.DAGDefinition{
		Name: "gated",
		Tasks: []schema.TaskDefinition{
			task("prep", "echo"),
			{
				ID: "deploy", WorkflowRef: "echo", DependsOn: []string{"prep"},
				Approval: &schema.ApprovalRequirement{Prompt: "ship it?", Role: "release-manager"},
			},
			task("announce", "echo", "deploy"),
		},
	}

	sus, err := r.RunDAG(context.Background(), def, Options{RunID: "run-resume"})
	if err != nil {
		t.Fatalf("initial run failed: %v", err)
	}
	gates.approve(sus.CheckpointID, "alex")

	res, err := r.ResumeDAG(context.Background(), def, "run-resume", Options{})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if res.Suspended {
		t.Fatal("resumed run should complete, not suspend again")
	}
	if res.TasksSucceeded != 3 {
		t.Fatalf("expected 3 succeeded after resume, got %d", res.TasksSucceeded)
	}
	if n := len(log.byType(schema.EventRunResumed)); n != 1 {
		t.Fatalf("expected 1 run_resumed event, got %d", n)
	}
	done := log.byType(schema.EventDAGDone)
	if len(done) != 1 || done[0].Payload["status"] != "success" {
		t.Fatalf("expected dag_done success after resume, got %v", done)
	}
}

func TestResumeDAGRejectsUnapprovedGate(t *testing.T) {
	reg := echoRegistry(t)
	gates := newMemGates()
	r, _ := newTestRunner(t, reg, gates)

	def := &schema.DAGDefinition{
		Name: "gated",
		Tasks: []schema.TaskDefinition{
			{
				ID: "deploy", WorkflowRef: "echo",
				Approval: &schema.ApprovalRequirement{Prompt: "ship it?"},
			},
		},
	}

	if _, err := r.RunDAG(context.Background(), def, Options{RunID: "run-pending"}); err != nil {
		t.Fatalf("initial run failed: %v", err)
	}

	// Gate is still pending: resume must refuse.
	_, err := r.ResumeDAG(context.Background(), def, "run-pending", Options{})
	assertCode(t, err, schema.ErrCodeRunner)
}

func TestResumeDAGWithoutToken(t *testing.T) {
	reg := echoRegistry(t)
	r, _ := newTestRunner(t, reg, newMemGates())

	def := &schema.DAGDefinition{
		Name:  "plain",
		Tasks: []schema.TaskDefinition{task("a", "echo")},
	}

	_, err := r.ResumeDAG(context.Background(), def, "never-ran", Options{})
	assertCode(t, err, schema.ErrCodeRunner)
}
