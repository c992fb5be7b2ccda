package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/gantryhq/gantry/pkg/schema"
)

// Checkpoint is one human decision gate on a DAG run. Rows are created
// pending and move to exactly one terminal state; the transitions table keeps
// the full append-only history.
type Checkpoint struct {
	ID              string                  `json:"checkpoint_id"`
	DAGRunID        string                  `json:"dag_run_id"`
	TaskID          string                  `json:"task_id"`
	Tenant          string                  `json:"tenant,omitempty"`
	Prompt          string                  `json:"prompt"`
	RequiredRole    string                  `json:"required_role"`
	InputSchema     json.RawMessage         `json:"input_schema,omitempty"`
	Status          schema.CheckpointStatus `json:"status"`
	CreatedAt       time.Time               `json:"created_at"`
	ExpiresAt       time.Time               `json:"expires_at"`
	ResolvedBy      string                  `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time              `json:"resolved_at,omitempty"`
	ApprovalData    map[string]any          `json:"approval_data,omitempty"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
}

// Transition is one append-only history record for a checkpoint.
type Transition struct {
	Seq          int64                   `json:"seq"`
	CheckpointID string                  `json:"checkpoint_id"`
	Status       schema.CheckpointStatus `json:"status"`
	Actor        string                  `json:"actor,omitempty"`
	Detail       string                  `json:"detail,omitempty"`
	RecordedAt   time.Time               `json:"recorded_at"`
}

// ResumeToken points a DAG run at the next task to execute once its gating
// checkpoint resolves. Written once per approval; reads are last-write-wins.
type ResumeToken struct {
	DAGRunID   string    `json:"dag_run_id"`
	NextTaskID string    `json:"next_task_id"`
	Tenant     string    `json:"tenant,omitempty"`
	WrittenAt  time.Time `json:"written_at"`
}

// CreateRequest carries the fields the runner supplies when opening a gate.
type CreateRequest struct {
	DAGRunID    string
	TaskID      string
	Tenant      string
	Prompt      string
	Role        string // falls back to the store's configured default
	InputSchema json.RawMessage
}

// Filter restricts List results.
type Filter struct {
	Tenant string
	Status schema.CheckpointStatus
}
