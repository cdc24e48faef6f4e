// Package gitoutbox implements the durable queue for repo tasks: surface
// commits, backend-artifact commits, PR opens, and auto-merge. It mirrors
// internal/txoutbox's claim/complete state machine but additionally
// tracks branch/commit/PR results and merge-policy gating.
package gitoutbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dao-autonomy/control-plane/internal/ids"
)

// TaskType enumerates the git outbox's task kinds.
type TaskType string

const (
	TaskSurfaceCommit          TaskType = "surface_commit"
	TaskBackendArtifactCommit  TaskType = "backend_artifact_commit"
	TaskOpenPR                 TaskType = "open_pr"
	TaskAutoMerge              TaskType = "auto_merge"
)

// Status is a task's lifecycle state, identical in shape to the tx outbox.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// ErrRaceLost is returned by ClaimNext when another worker claimed the same
// row first.
var ErrRaceLost = errors.New("gitoutbox: race_lost")

// MergePolicy describes the conditions an auto-merge task must satisfy
// before completion is allowed to proceed.
type MergePolicy struct {
	RequiredChecks     []string
	RequiredApprovals  int
	RequireNonDraft    bool
}

// CheckState is what a GitHost reports about a PR's mergeability at
// completion time.
type CheckState struct {
	PassingChecks map[string]bool
	Approvals     int
	IsDraft       bool
}

// Evaluate reports whether state satisfies policy, and if not, the
// structured hint ("merge_policy_checks_missing:<name>" etc).
func (p MergePolicy) Evaluate(state CheckState) (ok bool, hint string) {
	for _, check := range p.RequiredChecks {
		if !state.PassingChecks[check] {
			return false, fmt.Sprintf("merge_policy_checks_missing:%s", check)
		}
	}
	if state.Approvals < p.RequiredApprovals {
		return false, "merge_policy_approvals_missing"
	}
	if p.RequireNonDraft && state.IsDraft {
		return false, "merge_policy_draft_not_allowed"
	}
	return true, ""
}

// Task is one git_outbox_tasks row.
type Task struct {
	TaskID             string
	TaskType           TaskType
	PayloadJSON        []byte
	Status             Status
	Attempts           int
	LockedAt           sql.NullTime
	LockedBy           string
	BranchName         string
	CommitSHA          string
	ResultJSON         []byte
	ProjectID          string
	BountyID           string
	RequestedByAgentID string
	LastErrorHint      string
	IdempotencyKey     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Store persists git outbox tasks.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for git outbox persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnqueueInput describes a new git outbox task.
type EnqueueInput struct {
	TaskType           TaskType
	PayloadJSON        []byte
	ProjectID          string
	BountyID           string
	RequestedByAgentID string
	IdempotencyKey     string
}

// Enqueue inserts a new task, or returns the existing row if
// idempotencyKey was already recorded.
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (Task, bool, error) {
	taskID := ids.GitOutboxTask()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO git_outbox_tasks (task_id, task_type, payload_json, status, project_id, bounty_id, requested_by_agent_id, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		taskID, string(in.TaskType), in.PayloadJSON, string(StatusPending),
		nullable(in.ProjectID), nullable(in.BountyID), nullable(in.RequestedByAgentID), in.IdempotencyKey)
	if err != nil {
		return Task{}, false, fmt.Errorf("insert git outbox task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("rows affected: %w", err)
	}

	task, err := s.findByKey(ctx, in.IdempotencyKey)
	if err != nil {
		return Task{}, false, err
	}
	return task, rows > 0, nil
}

const selectCols = `task_id, task_type, payload_json, status, attempts, locked_at, locked_by,
		COALESCE(branch_name,''), COALESCE(commit_sha,''), result_json,
		COALESCE(project_id,''), COALESCE(bounty_id,''), COALESCE(requested_by_agent_id,''),
		COALESCE(last_error_hint,''), idempotency_key, created_at, updated_at`

func (s *Store) findByKey(ctx context.Context, key string) (Task, error) {
	return s.scanOne(ctx, `SELECT `+selectCols+` FROM git_outbox_tasks WHERE idempotency_key = $1`, key)
}

func (s *Store) byID(ctx context.Context, taskID string) (Task, error) {
	return s.scanOne(ctx, `SELECT `+selectCols+` FROM git_outbox_tasks WHERE task_id = $1`, taskID)
}

func (s *Store) scanOne(ctx context.Context, query string, args ...interface{}) (Task, error) {
	var t Task
	var taskType, status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&t.TaskID, &taskType, &t.PayloadJSON, &status, &t.Attempts, &t.LockedAt, &t.LockedBy,
		&t.BranchName, &t.CommitSHA, &t.ResultJSON, &t.ProjectID, &t.BountyID, &t.RequestedByAgentID,
		&t.LastErrorHint, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("scan git outbox task: %w", err)
	}
	t.TaskType, t.Status = TaskType(taskType), Status(status)
	return t, nil
}

// ClaimNext picks the oldest pending task, or the oldest stale-processing
// one, and transitions it to processing under workerID. See
// txoutbox.Store.ClaimNext for the identical two-phase claim logic.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lockTTL time.Duration) (Task, bool, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM git_outbox_tasks
		WHERE status = $1 AND locked_at IS NULL
		ORDER BY seq ASC LIMIT 1`, string(StatusPending)).Scan(&taskID)
	if err == nil {
		return s.claimPending(ctx, taskID, workerID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, fmt.Errorf("select pending git outbox task: %w", err)
	}

	var staleTaskID string
	var lockedAt time.Time
	cutoff := time.Now().Add(-lockTTL)
	err = s.db.QueryRowContext(ctx, `
		SELECT task_id, locked_at FROM git_outbox_tasks
		WHERE status = $1 AND locked_at IS NOT NULL AND locked_at < $2
		ORDER BY seq ASC LIMIT 1`, string(StatusProcessing), cutoff).Scan(&staleTaskID, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("select stale git outbox task: %w", err)
	}
	return s.reclaimStale(ctx, staleTaskID, workerID, lockedAt)
}

func (s *Store) claimPending(ctx context.Context, taskID, workerID string) (Task, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE git_outbox_tasks
		SET status = $1, locked_at = now(), locked_by = $2, attempts = attempts + 1, updated_at = now()
		WHERE task_id = $3 AND status = $4 AND locked_at IS NULL`,
		string(StatusProcessing), workerID, taskID, string(StatusPending))
	if err != nil {
		return Task{}, false, fmt.Errorf("claim pending git outbox task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return Task{}, false, ErrRaceLost
	}
	task, err := s.byID(ctx, taskID)
	return task, true, err
}

func (s *Store) reclaimStale(ctx context.Context, taskID, workerID string, oldLockedAt time.Time) (Task, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE git_outbox_tasks
		SET locked_at = now(), locked_by = $1, attempts = attempts + 1, updated_at = now()
		WHERE task_id = $2 AND status = $3 AND locked_at = $4`,
		workerID, taskID, string(StatusProcessing), oldLockedAt)
	if err != nil {
		return Task{}, false, fmt.Errorf("reclaim stale git outbox task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return Task{}, false, ErrRaceLost
	}
	task, err := s.byID(ctx, taskID)
	return task, true, err
}

// RecordResult persists the branch/commit/PR outcome of a successful git
// action before completion, matching the tx outbox's "update before
// complete" pattern.
func (s *Store) RecordResult(ctx context.Context, taskID, branchName, commitSHA string, resultJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE git_outbox_tasks SET branch_name = $1, commit_sha = $2, result_json = $3, updated_at = now()
		WHERE task_id = $4`, nullable(branchName), nullable(commitSHA), resultJSON, taskID)
	if err != nil {
		return fmt.Errorf("record git outbox result: %w", err)
	}
	return nil
}

// Complete transitions a processing task to a terminal status.
func (s *Store) Complete(ctx context.Context, taskID string, status Status, errorHint string) error {
	if status == StatusPending || status == StatusProcessing {
		return fmt.Errorf("gitoutbox: Complete cannot transition to non-terminal status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE git_outbox_tasks SET status = $1, last_error_hint = NULLIF($2,''), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE task_id = $3`, string(status), errorHint, taskID)
	if err != nil {
		return fmt.Errorf("complete git outbox task: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
