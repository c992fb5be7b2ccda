package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/eventlog"
	"github.com/gantryhq/gantry/internal/logging"
	"github.com/gantryhq/gantry/pkg/schema"
)

// DAGRunner is the interface the scheduler uses to execute enqueued runs.
// Satisfied by *engine.Runner.
type DAGRunner interface {
	RunDAG(ctx context.Context, def *schema.DAGDefinition, opts engine.Options) (*engine.Result, error)
}

// EventAppender records scheduler lifecycle events.
// Satisfied by *eventlog.Log.
type EventAppender interface {
	Append(ctx context.Context, event *eventlog.Event) error
}

// Expirer sweeps pending checkpoints past their TTL.
// Satisfied by *checkpoint.Store; may be nil when approvals are not in play.
type Expirer interface {
	ExpirePending(ctx context.Context, now time.Time) ([]*checkpoint.Checkpoint, error)
}

// Schedule is one loaded schedule bound to its DAG and compiled cron predicate.
type Schedule struct {
	Def  schema.ScheduleDefinition
	DAG  *schema.DAGDefinition
	Cron Predicate
}

// queueEntry is one pending DAG run produced by a tick.
type queueEntry struct {
	scheduleID string
	dag        *schema.DAGDefinition
	tenant     string
	enqueuedAt time.Time
}

// RunResult is the outcome of one drained run.
type RunResult struct {
	ScheduleID string           `json:"schedule_id"`
	RunID      string           `json:"run_id"`
	DAGName    string           `json:"dag_name"`
	Status     schema.RunStatus `json:"status"`
	Duration   time.Duration    `json:"duration"`
	Result     *engine.Result   `json:"result,omitempty"`
	Err        error            `json:"-"`
}

// Config tunes the scheduler loop.
type Config struct {
	TickInterval      time.Duration // defaults to one minute
	MaxParallel       int           // concurrent DAG runs during drain; defaults to 1
	MaxRetriesDefault int           // retry budget for tasks that declare none
}

// Scheduler matches schedules against the clock, queues due runs and drains
// them through a bounded worker pool. At most one run is enqueued per
// schedule per minute, regardless of how many ticks fall inside that minute.
type Scheduler struct {
	schedules []*Schedule
	runner    DAGRunner
	events    EventAppender
	expirer   Expirer
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	queue []queueEntry
	fired map[string]time.Time // scheduleID|minute dedup key → matched minute
}

// New builds a Scheduler over the given schedule definitions. Every schedule
// must reference a DAG present in dags and carry a valid cron expression.
func New(defs []schema.ScheduleDefinition, dags map[string]*schema.DAGDefinition, runner DAGRunner, events EventAppender, expirer Expirer, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	schedules := make([]*Schedule, 0, len(defs))
	for _, def := range defs {
		dag, ok := dags[def.DAG]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeSchedule,
				"schedule %s references unknown dag %q", def.ID, def.DAG)
		}
		pred, err := ParseCron(def.Cron)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, &Schedule{Def: def, DAG: dag, Cron: pred})
	}

	return &Scheduler{
		schedules: schedules,
		runner:    runner,
		events:    events,
		expirer:   expirer,
		cfg:       cfg,
		logger:    logger,
		fired:     make(map[string]time.Time),
	}, nil
}

// TickOnce evaluates every enabled schedule against now and enqueues the due
// ones. Returns the number of runs enqueued.
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) int {
	minute := now.UTC().Truncate(time.Minute)
	enqueued := 0

	// Dedup keys only guard the current minute; older ones would otherwise
	// pile up for the lifetime of a serve loop.
	s.mu.Lock()
	for key, m := range s.fired {
		if m.Before(minute) {
			delete(s.fired, key)
		}
	}
	s.mu.Unlock()

	for _, sched := range s.schedules {
		if !sched.Def.IsEnabled() || !sched.Cron.Matches(minute) {
			continue
		}

		key := fmt.Sprintf("%s|%s", sched.Def.ID, minute.Format("2006-01-02T15:04"))
		s.mu.Lock()
		if _, dup := s.fired[key]; dup {
			s.mu.Unlock()
			continue
		}
		s.fired[key] = minute
		s.queue = append(s.queue, queueEntry{
			scheduleID: sched.Def.ID,
			dag:        sched.DAG,
			tenant:     sched.Def.Tenant,
			enqueuedAt: now.UTC(),
		})
		s.mu.Unlock()

		enqueued++
		sctx := logging.WithScheduleID(ctx, sched.Def.ID)
		if err := s.events.Append(sctx, &eventlog.Event{
			RunID:      "schedule:" + sched.Def.ID,
			ScheduleID: sched.Def.ID,
			DAGName:    sched.DAG.Name,
			Tenant:     sched.Def.Tenant,
			Type:       schema.EventScheduleEnqueued,
			Payload:    map[string]any{"minute": minute.Format(time.RFC3339)},
		}); err != nil {
			s.logger.ErrorContext(sctx, "failed to record enqueue event",
				slog.String("error", err.Error()))
		}
		s.logger.InfoContext(sctx, "schedule due, run enqueued",
			slog.String("dag", sched.DAG.Name),
			slog.Time("minute", minute))
	}
	return enqueued
}

// DrainQueue executes every queued run through a worker pool bounded at
// MaxParallel and blocks until all of them finish. One run failing does not
// affect the others. Returns one result per executed run.
func (s *Scheduler) DrainQueue(ctx context.Context) []RunResult {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var resMu sync.Mutex
	results := make([]RunResult, 0, len(batch))

	pool := engine.NewWorkerPool(s.cfg.MaxParallel)
	for _, entry := range batch {
		entry := entry
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			res := s.executeRun(ctx, entry)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return res.Err
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to submit run to pool",
				slog.String("schedule_id", entry.scheduleID),
				slog.String("error", err.Error()))
		}
	}
	pool.Wait()

	m := pool.Metrics()
	s.logger.DebugContext(ctx, "queue drained",
		slog.Int("runs", len(batch)),
		slog.Int64("completed", m.Completed),
		slog.Int64("failed", m.Failed),
		slog.Int64("panics", m.Panics))
	return results
}

// executeRun runs one queued entry end to end, recording run_started and
// run_finished around it. Runner errors are captured in the result, not
// propagated.
func (s *Scheduler) executeRun(ctx context.Context, entry queueEntry) RunResult {
	runID := uuid.New().String()
	ctx = logging.WithScheduleID(ctx, entry.scheduleID)
	ctx = logging.WithRunID(ctx, runID)

	_ = s.events.Append(ctx, &eventlog.Event{
		RunID: runID, ScheduleID: entry.scheduleID, DAGName: entry.dag.Name,
		Tenant: entry.tenant, Type: schema.EventRunStarted,
		Payload: map[string]any{"enqueued_at": entry.enqueuedAt.Format(time.RFC3339)},
	})

	began := time.Now()
	res, err := s.runner.RunDAG(ctx, entry.dag, engine.Options{
		RunID:             runID,
		Tenant:            entry.tenant,
		MaxRetriesDefault: s.cfg.MaxRetriesDefault,
	})

	status := schema.RunStatusSuccess
	switch {
	case err != nil:
		status = schema.RunStatusFailed
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("dag", entry.dag.Name),
			slog.String("error", err.Error()))
	case res != nil && res.Suspended:
		status = schema.RunStatusSuspended
		s.logger.InfoContext(ctx, "scheduled run suspended awaiting approval",
			slog.String("checkpoint_id", res.CheckpointID))
	}

	duration := time.Since(began)
	_ = s.events.Append(ctx, &eventlog.Event{
		RunID: runID, ScheduleID: entry.scheduleID, DAGName: entry.dag.Name,
		Tenant: entry.tenant, Type: schema.EventRunFinished,
		Payload: map[string]any{
			"status":      string(status),
			"duration_ms": duration.Milliseconds(),
		},
	})

	return RunResult{
		ScheduleID: entry.scheduleID,
		RunID:      runID,
		DAGName:    entry.dag.Name,
		Status:     status,
		Duration:   duration,
		Result:     res,
		Err:        err,
	}
}

// RunOnce performs a single tick and drain. Used by the --once CLI mode.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, []RunResult) {
	enqueued := s.TickOnce(ctx, now)
	results := s.DrainQueue(ctx)
	s.sweepExpired(ctx, now)
	return enqueued, results
}

// Serve ticks until the context is cancelled, then drains whatever is still
// queued before returning. The sleep between ticks is interruptible.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Int("schedules", len(s.schedules)),
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.Int("max_parallel", s.cfg.MaxParallel))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// Evaluate immediately so a schedule due at startup does not wait a
	// full interval.
	s.TickOnce(ctx, time.Now())
	s.DrainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			// Final drain runs under a fresh context so in-flight work
			// can finish cleanly.
			drained := s.DrainQueue(context.WithoutCancel(ctx))
			s.logger.Info("scheduler stopped", slog.Int("final_drain", len(drained)))
			return ctx.Err()
		case now := <-ticker.C:
			s.TickOnce(ctx, now)
			s.DrainQueue(ctx)
			s.sweepExpired(ctx, now)
		}
	}
}

func (s *Scheduler) sweepExpired(ctx context.Context, now time.Time) {
	if s.expirer == nil {
		return
	}
	expired, err := s.expirer.ExpirePending(ctx, now.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "checkpoint expiry sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "expired stale checkpoints", slog.Int("count", len(expired)))
	}
}

// QueueDepth reports how many runs are waiting to be drained.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
