package schema

// Event type constants for the append-only run event log.
const (
	EventDAGStart = "dag_start"
	EventDAGDone  = "dag_done"

	EventTaskStart = "task_start"
	EventTaskOK    = "task_ok"
	EventTaskRetry = "task_retry"
	EventTaskFail  = "task_fail"

	EventScheduleEnqueued = "schedule_enqueued"
	EventRunStarted       = "run_started"
	EventRunFinished      = "run_finished"

	EventCheckpointCreated = "checkpoint_created"
	EventRunSuspended      = "run_suspended"
	EventRunResumed        = "run_resumed"
)

// CheckpointStatus represents the lifecycle state of an approval checkpoint.
// Pending is initial; the other three are terminal.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointExpired  CheckpointStatus = "expired"
)

// Terminal reports whether s is a terminal checkpoint status.
func (s CheckpointStatus) Terminal() bool {
	return s == CheckpointApproved || s == CheckpointRejected || s == CheckpointExpired
}

// RunStatus is the outcome of a drained scheduled run.
type RunStatus string

const (
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSuspended RunStatus = "suspended"
)
