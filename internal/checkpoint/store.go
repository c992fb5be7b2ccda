// Package checkpoint implements human-in-the-loop approval gates as an
// explicit state machine backed by libSQL. Terminal transitions use a
// conditional update keyed on the prior status being pending, so an
// approve/reject race on one checkpoint has exactly one winner.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/store"
	"github.com/gantryhq/gantry/pkg/schema"
)

// DefaultTTL is the approval window applied when none is configured.
const DefaultTTL = 72 * time.Hour

// Config holds checkpoint store configuration.
type Config struct {
	TTL         time.Duration // approval window; DefaultTTL when zero
	DefaultRole string        // required role when a task declares none
}

// Store persists checkpoints, their transition history and resume tokens.
type Store struct {
	db      *store.DB
	cfg     Config
	schemas *schemaCache
	now     func() time.Time
}

// NewStore creates a checkpoint Store on top of an opened database.
func NewStore(db *store.DB, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "operator"
	}
	return &Store{db: db, cfg: cfg, schemas: newSchemaCache(), now: func() time.Time { return time.Now().UTC() }}
}

// Create opens a new pending checkpoint. The expected input schema, if any,
// is compiled immediately so malformed schemas fail at creation time.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Checkpoint, error) {
	if req.DAGRunID == "" || req.TaskID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint requires dag_run_id and task_id")
	}
	if req.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint requires a prompt")
	}
	if len(req.InputSchema) > 0 {
		if _, err := s.schemas.compile(req.InputSchema); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid checkpoint input schema").WithCause(err)
		}
	}

	role := req.Role
	if role == "" {
		role = s.cfg.DefaultRole
	}

	now := s.now()
	cp := &Checkpoint{
		ID:           uuid.New().String(),
		DAGRunID:     req.DAGRunID,
		TaskID:       req.TaskID,
		Tenant:       req.Tenant,
		Prompt:       req.Prompt,
		RequiredRole: role,
		InputSchema:  req.InputSchema,
		Status:       schema.CheckpointPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.TTL),
	}

	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO checkpoints (id, dag_run_id, task_id, tenant, prompt, required_role, input_schema, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.DAGRunID, cp.TaskID, nullStr(cp.Tenant), cp.Prompt, cp.RequiredRole,
		nullStr(string(cp.InputSchema)), string(cp.Status), cp.CreatedAt, cp.ExpiresAt,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "insert checkpoint: %s", err.Error()).WithCause(err)
	}

	if err := s.appendTransition(ctx, cp.ID, schema.CheckpointPending, "", cp.Prompt, now); err != nil {
		return nil, err
	}
	return cp, nil
}

// Get returns the current state of one checkpoint.
func (s *Store) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT id, dag_run_id, task_id, tenant, prompt, required_role, input_schema, status,
		        created_at, expires_at, resolved_by, resolved_at, approval_data, rejection_reason
		 FROM checkpoints WHERE id = ?`, id)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointNotFound, "checkpoint not found: %s", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load checkpoint: %s", err.Error()).WithCause(err)
	}
	return cp, nil
}

// List returns checkpoints matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Checkpoint, error) {
	var where []string
	var args []any
	if filter.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, filter.Tenant)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, dag_run_id, task_id, tenant, prompt, required_role, input_schema, status,
	                 created_at, expires_at, resolved_by, resolved_at, approval_data, rejection_reason
	          FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list checkpoints: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan checkpoint: %s", err.Error()).WithCause(err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ForRun returns all checkpoints created for one DAG run, oldest first.
func (s *Store) ForRun(ctx context.Context, dagRunID string) ([]*Checkpoint, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, dag_run_id, task_id, tenant, prompt, required_role, input_schema, status,
		        created_at, expires_at, resolved_by, resolved_at, approval_data, rejection_reason
		 FROM checkpoints WHERE dag_run_id = ? ORDER BY created_at ASC`, dagRunID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list run checkpoints: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan checkpoint: %s", err.Error()).WithCause(err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Approve resolves a pending checkpoint as approved. The presented role must
// match the required role, the checkpoint must not be terminal or past its
// expiry, and approval_data must satisfy the expected input schema.
func (s *Store) Approve(ctx context.Context, id, approvedBy, role string, data map[string]any) (*Checkpoint, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkResolvable(cp, role); err != nil {
		return nil, err
	}
	if len(cp.InputSchema) > 0 {
		if err := s.schemas.validate(cp.InputSchema, data); err != nil {
			return nil, schema.NewError(schema.ErrCodeApprovalInvalid, "approval_data does not satisfy expected input schema").WithCause(err)
		}
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeApprovalInvalid, "approval_data is not serializable").WithCause(err)
	}

	now := s.now()
	if err := s.resolve(ctx, cp, schema.CheckpointApproved, approvedBy, string(dataJSON), "", now); err != nil {
		return nil, err
	}

	cp.Status = schema.CheckpointApproved
	cp.ResolvedBy = approvedBy
	cp.ResolvedAt = &now
	cp.ApprovalData = data
	return cp, nil
}

// Reject resolves a pending checkpoint as rejected. A reason is required.
func (s *Store) Reject(ctx context.Context, id, rejectedBy, role, reason string) (*Checkpoint, error) {
	if reason == "" {
		return nil, schema.NewError(schema.ErrCodeApprovalInvalid, "rejection requires a reason")
	}

	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkResolvable(cp, role); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.resolve(ctx, cp, schema.CheckpointRejected, rejectedBy, "", reason, now); err != nil {
		return nil, err
	}

	cp.Status = schema.CheckpointRejected
	cp.ResolvedBy = rejectedBy
	cp.ResolvedAt = &now
	cp.RejectionReason = reason
	return cp, nil
}

// ExpirePending transitions every pending checkpoint whose expires_at has
// passed relative to now, and returns the newly expired checkpoints.
// Checkpoints do not expire passively; this sweep is invoked periodically by
// the scheduler loop.
func (s *Store) ExpirePending(ctx context.Context, now time.Time) ([]*Checkpoint, error) {
	pending, err := s.List(ctx, Filter{Status: schema.CheckpointPending})
	if err != nil {
		return nil, err
	}

	var expired []*Checkpoint
	for _, cp := range pending {
		if !cp.ExpiresAt.Before(now) {
			continue
		}
		if err := s.resolve(ctx, cp, schema.CheckpointExpired, "", "", "approval window elapsed", now); err != nil {
			// A concurrent approve/reject won the race; not an expiry.
			if schema.IsApprovalError(err) {
				continue
			}
			return nil, err
		}
		cp.Status = schema.CheckpointExpired
		resolvedAt := now
		cp.ResolvedAt = &resolvedAt
		expired = append(expired, cp)
	}
	return expired, nil
}

// checkResolvable enforces the gate preconditions shared by Approve and Reject.
func (s *Store) checkResolvable(cp *Checkpoint, role string) error {
	if cp.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "checkpoint %s is already %s", cp.ID, cp.Status)
	}
	if cp.ExpiresAt.Before(s.now()) {
		return schema.NewErrorf(schema.ErrCodeCheckpointExpired, "checkpoint %s expired at %s", cp.ID, cp.ExpiresAt.Format(time.RFC3339))
	}
	if role != cp.RequiredRole {
		return schema.NewErrorf(schema.ErrCodeRoleDenied, "role %q insufficient: checkpoint requires %q", role, cp.RequiredRole)
	}
	return nil
}

// resolve performs the conditional terminal update and appends the history
// record. The WHERE status='pending' guard is what closes the concurrent
// approve/reject race: the loser's update matches zero rows.
func (s *Store) resolve(ctx context.Context, cp *Checkpoint, to schema.CheckpointStatus, actor, dataJSON, reason string, now time.Time) error {
	if !canTransition(cp.Status, to) {
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "checkpoint %s cannot move from %s to %s", cp.ID, cp.Status, to)
	}

	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE checkpoints
		 SET status = ?, resolved_by = ?, resolved_at = ?, approval_data = ?, rejection_reason = ?
		 WHERE id = ? AND status = 'pending'`,
		string(to), nullStr(actor), now, nullStr(dataJSON), nullStr(reason), cp.ID,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "resolve checkpoint: %s", err.Error()).WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "resolve checkpoint: %s", err.Error()).WithCause(err)
	}
	if affected == 0 {
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "checkpoint %s was resolved concurrently", cp.ID)
	}

	detail := reason
	if detail == "" {
		detail = dataJSON
	}
	return s.appendTransition(ctx, cp.ID, to, actor, detail, now)
}

func (s *Store) appendTransition(ctx context.Context, checkpointID string, status schema.CheckpointStatus, actor, detail string, at time.Time) error {
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO checkpoint_transitions (checkpoint_id, status, actor, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		checkpointID, string(status), nullStr(actor), nullStr(detail), at,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append transition: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Transitions returns the full append-only history of one checkpoint.
func (s *Store) Transitions(ctx context.Context, checkpointID string) ([]*Transition, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT seq, checkpoint_id, status, actor, detail, recorded_at
		 FROM checkpoint_transitions WHERE checkpoint_id = ? ORDER BY seq ASC`, checkpointID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list transitions: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		tr := &Transition{}
		var actor, detail sql.NullString
		var status string
		if err := rows.Scan(&tr.Seq, &tr.CheckpointID, &status, &actor, &detail, &tr.RecordedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan transition: %s", err.Error()).WithCause(err)
		}
		tr.Status = schema.CheckpointStatus(status)
		tr.Actor = actor.String
		tr.Detail = detail.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

// WriteResumeToken records where a DAG run should continue after its gating
// checkpoint resolves. Tokens are append-only.
func (s *Store) WriteResumeToken(ctx context.Context, dagRunID, nextTaskID, tenant string) error {
	if dagRunID == "" || nextTaskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "resume token requires dag_run_id and next_task_id")
	}
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO resume_tokens (dag_run_id, next_task_id, tenant, written_at) VALUES (?, ?, ?, ?)`,
		dagRunID, nextTaskID, nullStr(tenant), s.now(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write resume token: %s", err.Error()).WithCause(err)
	}
	return nil
}

// GetResumeToken returns the most recently written token for a run, or nil
// if no resume was ever recorded.
func (s *Store) GetResumeToken(ctx context.Context, dagRunID string) (*ResumeToken, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT dag_run_id, next_task_id, tenant, written_at
		 FROM resume_tokens WHERE dag_run_id = ? ORDER BY seq DESC LIMIT 1`, dagRunID)

	tok := &ResumeToken{}
	var tenant sql.NullString
	err := row.Scan(&tok.DAGRunID, &tok.NextTaskID, &tenant, &tok.WrittenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load resume token: %s", err.Error()).WithCause(err)
	}
	tok.Tenant = tenant.String
	return tok, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var tenant, inputSchema, resolvedBy, approvalData, rejectionReason sql.NullString
	var resolvedAt sql.NullTime
	var status string

	err := row.Scan(&cp.ID, &cp.DAGRunID, &cp.TaskID, &tenant, &cp.Prompt, &cp.RequiredRole,
		&inputSchema, &status, &cp.CreatedAt, &cp.ExpiresAt, &resolvedBy, &resolvedAt,
		&approvalData, &rejectionReason)
	if err != nil {
		return nil, err
	}

	cp.Tenant = tenant.String
	cp.Status = schema.CheckpointStatus(status)
	cp.ResolvedBy = resolvedBy.String
	cp.RejectionReason = rejectionReason.String
	if inputSchema.Valid {
		cp.InputSchema = json.RawMessage(inputSchema.String)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		cp.ResolvedAt = &t
	}
	if approvalData.Valid && approvalData.String != "" {
		_ = json.Unmarshal([]byte(approvalData.String), &cp.ApprovalData)
	}
	return cp, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
