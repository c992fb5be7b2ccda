// Package engine executes validated DAGs: sequential topological task
// execution with bounded retries, append-only event recording, approval-gate
// suspension and token-based resume.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/eventlog"
	"github.com/gantryhq/gantry/internal/graph"
	"github.com/gantryhq/gantry/internal/logging"
	"github.com/gantryhq/gantry/internal/registry"
	"github.com/gantryhq/gantry/pkg/schema"
)

// EventLog abstracts the append-only run event log.
// Satisfied by *eventlog.Log and test mocks.
type EventLog interface {
	Append(ctx context.Context, event *eventlog.Event) error
	ReplayOutputs(runID string) (map[string]map[string]any, error)
}

// Gates abstracts the checkpoint store operations the runner needs.
// Satisfied by *checkpoint.Store.
type Gates interface {
	Create(ctx context.Context, req checkpoint.CreateRequest) (*checkpoint.Checkpoint, error)
	ForRun(ctx context.Context, dagRunID string) ([]*checkpoint.Checkpoint, error)
	WriteResumeToken(ctx context.Context, dagRunID, nextTaskID, tenant string) error
	GetResumeToken(ctx context.Context, dagRunID string) (*checkpoint.ResumeToken, error)
}

// DefaultMaxRetries is the retry budget for tasks that declare none.
const DefaultMaxRetries = 1

// Options configures one RunDAG call.
type Options struct {
	RunID             string // generated when empty
	Tenant            string // overrides the DAG's tenant when set
	DryRun            bool
	MaxRetriesDefault int // fallback budget for tasks with retries <= 0
}

// Result is the execution summary returned by RunDAG and ResumeDAG.
type Result struct {
	RunID          string                    `json:"run_id"`
	DAGName        string                    `json:"dag_name"`
	Tenant         string                    `json:"tenant,omitempty"`
	DryRun         bool                      `json:"dry_run,omitempty"`
	PlannedTasks   int                       `json:"planned_tasks"`
	Order          []string                  `json:"order"`
	TasksSucceeded int                       `json:"tasks_succeeded"`
	TasksFailed    int                       `json:"tasks_failed"`
	Outputs        map[string]map[string]any `json:"task_outputs,omitempty"`
	Suspended      bool                      `json:"suspended,omitempty"`
	CheckpointID   string                    `json:"checkpoint_id,omitempty"`
	Duration       time.Duration             `json:"duration"`
}

// Runner executes DAGs. All collaborators are injected; the Runner holds no
// global state and is safe for concurrent use by drain workers.
type Runner struct {
	registry *registry.Registry
	events   EventLog
	gates    Gates // may be nil when no DAG declares approval gates
	backoff  BackoffPolicy
	logger   *slog.Logger
}

// NewRunner creates a Runner. A nil backoff means retry immediately.
func NewRunner(reg *registry.Registry, events EventLog, gates Gates, backoff BackoffPolicy, logger *slog.Logger) *Runner {
	if backoff == nil {
		backoff = NoBackoff{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry: reg,
		events:   events,
		gates:    gates,
		backoff:  backoff,
		logger:   logger,
	}
}

// RunDAG validates the definition, computes the execution order and runs
// every task sequentially. Dry-run only reports the plan: no task executes
// and no lifecycle events are appended.
func (r *Runner) RunDAG(ctx context.Context, def *schema.DAGDefinition, opts Options) (*Result, error) {
	dag, err := graph.Parse(def)
	if err != nil {
		return nil, err
	}

	tenant := opts.Tenant
	if tenant == "" {
		tenant = dag.Tenant
	}

	if opts.DryRun {
		return &Result{
			RunID:        opts.RunID,
			DAGName:      dag.Name,
			Tenant:       tenant,
			DryRun:       true,
			PlannedTasks: len(dag.Sorted),
			Order:        dag.Sorted,
		}, nil
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithTenant(ctx, tenant)

	if err := r.events.Append(ctx, &eventlog.Event{
		RunID: runID, DAGName: dag.Name, Tenant: tenant, Type: schema.EventDAGStart,
		Payload: map[string]any{"tasks": len(dag.Sorted)},
	}); err != nil {
		return nil, err
	}

	return r.execute(ctx, dag, runID, tenant, 0, "", make(map[string]map[string]any), opts)
}

// ResumeDAG continues a suspended run from its resume token. The gating
// checkpoint must be approved; outputs of tasks completed before suspension
// are rebuilt from the run's task_ok events.
func (r *Runner) ResumeDAG(ctx context.Context, def *schema.DAGDefinition, runID string, opts Options) (*Result, error) {
	if r.gates == nil {
		return nil, schema.NewError(schema.ErrCodeRunner, "runner has no checkpoint store configured")
	}

	dag, err := graph.Parse(def)
	if err != nil {
		return nil, err
	}

	tok, err := r.gates.GetResumeToken(ctx, runID)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, schema.NewErrorf(schema.ErrCodeRunner, "no resume token recorded for run %s", runID)
	}

	start := -1
	for i, id := range dag.Sorted {
		if id == tok.NextTaskID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRunner,
			"resume token points at task %q which is not in dag %s", tok.NextTaskID, dag.Name)
	}

	gate, err := r.gateForTask(ctx, runID, tok.NextTaskID)
	if err != nil {
		return nil, err
	}
	if gate == nil {
		return nil, schema.NewErrorf(schema.ErrCodeRunner, "no checkpoint recorded for run %s task %s", runID, tok.NextTaskID)
	}
	if gate.Status != schema.CheckpointApproved {
		return nil, schema.NewErrorf(schema.ErrCodeRunner,
			"checkpoint %s is %s, not approved", gate.ID, gate.Status)
	}

	outputs, err := r.events.ReplayOutputs(runID)
	if err != nil {
		return nil, err
	}

	tenant := tok.Tenant
	if opts.Tenant != "" {
		tenant = opts.Tenant
	}
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithTenant(ctx, tenant)

	if err := r.events.Append(ctx, &eventlog.Event{
		RunID: runID, DAGName: dag.Name, Tenant: tenant, Type: schema.EventRunResumed,
		TaskID:  tok.NextTaskID,
		Payload: map[string]any{"checkpoint_id": gate.ID, "approved_by": gate.ResolvedBy},
	}); err != nil {
		return nil, err
	}

	res, err := r.execute(ctx, dag, runID, tenant, start, tok.NextTaskID, outputs, opts)
	if err != nil {
		return res, err
	}
	// Replayed tasks count as succeeded in the summary.
	res.TasksSucceeded += start
	return res, nil
}

// execute runs tasks dag.Sorted[start:] in order. approvedTask names the one
// task whose gate is already approved (resume path); any other task with an
// approval requirement suspends the run.
func (r *Runner) execute(ctx context.Context, dag *graph.DAG, runID, tenant string, start int, approvedTask string, outputs map[string]map[string]any, opts Options) (*Result, error) {
	began := time.Now()
	result := &Result{
		RunID:        runID,
		DAGName:      dag.Name,
		Tenant:       tenant,
		PlannedTasks: len(dag.Sorted),
		Order:        dag.Sorted,
		Outputs:      outputs,
	}

	for i := start; i < len(dag.Sorted); i++ {
		taskID := dag.Sorted[i]
		task := dag.Tasks[taskID]
		taskCtx := logging.WithTaskID(ctx, taskID)

		if task.Approval != nil && taskID != approvedTask {
			cp, err := r.suspend(taskCtx, dag, runID, tenant, task)
			if err != nil {
				return result, err
			}
			result.Suspended = true
			result.CheckpointID = cp.ID
			result.Duration = time.Since(began)
			return result, nil
		}

		merged := graph.MergePayloads(task.Params, upstreamOutputs(dag, taskID, outputs))

		out, err := r.runTask(taskCtx, runID, task, merged, opts)
		if err != nil {
			result.TasksFailed++
			result.Duration = time.Since(began)
			r.appendDone(ctx, runID, dag.Name, tenant, result, "failed")
			return result, err
		}

		outputs[taskID] = out
		result.TasksSucceeded++
	}

	result.Duration = time.Since(began)
	r.appendDone(ctx, runID, dag.Name, tenant, result, "success")
	return result, nil
}

// runTask invokes one task's workflow with retries. The effective budget is
// the task's own retries when positive, else the run's default: the task is
// attempted at most budget+1 times.
func (r *Runner) runTask(ctx context.Context, runID string, task *schema.TaskDefinition, params map[string]any, opts Options) (map[string]any, error) {
	wf, err := r.registry.Get(task.WorkflowRef)
	if err != nil {
		// Unresolvable references are immediately fatal: no retry value.
		r.appendTaskEvent(ctx, runID, task.ID, schema.EventTaskFail, map[string]any{
			"error": err.Error(), "attempts": 0,
		})
		return nil, err
	}

	budget := task.Retries
	if budget <= 0 {
		budget = opts.MaxRetriesDefault
	}
	if budget < 0 {
		budget = 0
	}

	r.appendTaskEvent(ctx, runID, task.ID, schema.EventTaskStart, map[string]any{
		"workflow_ref": task.WorkflowRef, "retry_budget": budget,
	})

	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		out, err := invoke(ctx, wf, params)
		if err == nil {
			r.appendTaskEvent(ctx, runID, task.ID, schema.EventTaskOK, map[string]any{
				"output": out, "attempts": attempt + 1,
			})
			return out, nil
		}
		lastErr = err

		if attempt < budget {
			r.logger.WarnContext(ctx, "task attempt failed, retrying",
				slog.String("task_id", task.ID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			r.appendTaskEvent(ctx, runID, task.ID, schema.EventTaskRetry, map[string]any{
				"error": err.Error(), "attempt": attempt + 1,
			})
			if werr := waitBackoff(ctx, r.backoff.Delay(attempt)); werr != nil {
				lastErr = werr
				break
			}
		}
	}

	r.appendTaskEvent(ctx, runID, task.ID, schema.EventTaskFail, map[string]any{
		"error": lastErr.Error(), "attempts": budget + 1,
	})
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"task failed after %d attempts: %s", budget+1, lastErr.Error()).
		WithTask(task.ID).WithCause(lastErr)
}

// suspend opens an approval checkpoint for the task and records the resume
// token pointing back at it.
func (r *Runner) suspend(ctx context.Context, dag *graph.DAG, runID, tenant string, task *schema.TaskDefinition) (*checkpoint.Checkpoint, error) {
	if r.gates == nil {
		return nil, schema.NewErrorf(schema.ErrCodeRunner,
			"task %s requires approval but the runner has no checkpoint store", task.ID)
	}

	cp, err := r.gates.Create(ctx, checkpoint.CreateRequest{
		DAGRunID:    runID,
		TaskID:      task.ID,
		Tenant:      tenant,
		Prompt:      task.Approval.Prompt,
		Role:        task.Approval.Role,
		InputSchema: task.Approval.InputSchema,
	})
	if err != nil {
		return nil, err
	}

	if err := r.gates.WriteResumeToken(ctx, runID, task.ID, tenant); err != nil {
		return nil, err
	}

	r.appendTaskEvent(ctx, runID, task.ID, schema.EventCheckpointCreated, map[string]any{
		"checkpoint_id": cp.ID, "required_role": cp.RequiredRole, "expires_at": cp.ExpiresAt,
	})
	if err := r.events.Append(ctx, &eventlog.Event{
		RunID: runID, DAGName: dag.Name, TaskID: task.ID, Tenant: tenant,
		Type:    schema.EventRunSuspended,
		Payload: map[string]any{"checkpoint_id": cp.ID},
	}); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "run suspended awaiting approval",
		slog.String("checkpoint_id", cp.ID),
		slog.String("task_id", task.ID))
	return cp, nil
}

func (r *Runner) gateForTask(ctx context.Context, runID, taskID string) (*checkpoint.Checkpoint, error) {
	cps, err := r.gates.ForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var latest *checkpoint.Checkpoint
	for _, cp := range cps {
		if cp.TaskID == taskID {
			latest = cp
		}
	}
	return latest, nil
}

func (r *Runner) appendDone(ctx context.Context, runID, dagName, tenant string, result *Result, status string) {
	_ = r.events.Append(ctx, &eventlog.Event{
		RunID: runID, DAGName: dagName, Tenant: tenant, Type: schema.EventDAGDone,
		Payload: map[string]any{
			"status":      status,
			"succeeded":   result.TasksSucceeded,
			"failed":      result.TasksFailed,
			"duration_ms": result.Duration.Milliseconds(),
		},
	})
}

func (r *Runner) appendTaskEvent(ctx context.Context, runID, taskID, eventType string, payload map[string]any) {
	if err := r.events.Append(ctx, &eventlog.Event{
		RunID: runID, TaskID: taskID, Type: eventType, Payload: payload,
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed to append event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// upstreamOutputs selects the outputs of a task's direct dependencies.
func upstreamOutputs(dag *graph.DAG, taskID string, outputs map[string]map[string]any) map[string]map[string]any {
	deps := dag.Edges[taskID]
	if len(deps) == 0 {
		return nil
	}
	up := make(map[string]map[string]any, len(deps))
	for _, dep := range deps {
		if out, ok := outputs[dep]; ok {
			up[dep] = out
		}
	}
	return up
}

// invoke calls the workflow, converting panics into ordinary retryable errors.
func invoke(ctx context.Context, wf registry.Workflow, params map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
	}()
	return wf(ctx, params)
}
