// Package txoutbox implements the durable queue for on-chain sends:
// deposits, distribution creation/execution, and marketing-fee deposits.
// It owns at-most-once submission per idempotency key through a
// claim/execute/complete state machine.
package txoutbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dao-autonomy/control-plane/internal/ids"
	"github.com/lib/pq"
)

// TaskType enumerates the tx outbox's task kinds.
type TaskType string

const (
	TaskDepositProfit       TaskType = "deposit_profit"
	TaskDepositMarketingFee TaskType = "deposit_marketing_fee"
	TaskCreateDistribution  TaskType = "create_distribution"
	TaskExecuteDistribution TaskType = "execute_distribution"
	TaskUSDCTransfer        TaskType = "usdc_transfer"
)

// Status is a task's lifecycle state. Tasks move forward only:
// pending -> processing -> {succeeded, failed, blocked}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// ErrRaceLost is returned by ClaimNext when another worker claimed the same
// row between the SELECT and the conditional UPDATE.
var ErrRaceLost = errors.New("txoutbox: race_lost")

// Task is one tx_outbox_tasks row.
type Task struct {
	TaskID         string
	TaskType       TaskType
	PayloadJSON    []byte
	Status         Status
	Attempts       int
	LockedAt       sql.NullTime
	LockedBy       string
	TxHash         string
	LastErrorHint  string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists tx outbox tasks.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for tx outbox persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new task, or returns the existing row if idempotencyKey
// was already recorded (insert_or_get_by_unique).
func (s *Store) Enqueue(ctx context.Context, taskType TaskType, payload []byte, idempotencyKey string) (Task, bool, error) {
	taskID := ids.TxOutboxTask()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_outbox_tasks (task_id, task_type, payload_json, status, idempotency_key)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		taskID, string(taskType), payload, string(StatusPending), idempotencyKey)
	if err != nil {
		return Task{}, false, fmt.Errorf("insert tx outbox task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("rows affected: %w", err)
	}

	task, err := s.findByKey(ctx, idempotencyKey)
	if err != nil {
		return Task{}, false, err
	}
	return task, rows > 0, nil
}

func (s *Store) findByKey(ctx context.Context, key string) (Task, error) {
	return s.scanOne(ctx, `SELECT task_id, task_type, payload_json, status, attempts, locked_at, locked_by,
		COALESCE(tx_hash,''), COALESCE(last_error_hint,''), idempotency_key, created_at, updated_at
		FROM tx_outbox_tasks WHERE idempotency_key = $1`, key)
}

func (s *Store) scanOne(ctx context.Context, query string, args ...interface{}) (Task, error) {
	var t Task
	var taskType, status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&t.TaskID, &taskType, &t.PayloadJSON, &status, &t.Attempts, &t.LockedAt, &t.LockedBy,
		&t.TxHash, &t.LastErrorHint, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("scan tx outbox task: %w", err)
	}
	t.TaskType, t.Status = TaskType(taskType), Status(status)
	return t, nil
}

// ClaimNext picks the oldest pending task (FIFO by insertion sequence), or
// failing that the oldest processing task whose lock has expired, and
// atomically transitions it to processing under workerID. It returns
// ok=false if no claimable task exists, or ErrRaceLost if another worker
// won the conditional update first.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lockTTL time.Duration) (Task, bool, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM tx_outbox_tasks
		WHERE status = $1 AND locked_at IS NULL
		ORDER BY seq ASC LIMIT 1`, string(StatusPending)).Scan(&taskID)
	if err == nil {
		return s.claimPending(ctx, taskID, workerID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, fmt.Errorf("select pending tx outbox task: %w", err)
	}

	var staleTaskID string
	var lockedAt time.Time
	cutoff := time.Now().Add(-lockTTL)
	err = s.db.QueryRowContext(ctx, `
		SELECT task_id, locked_at FROM tx_outbox_tasks
		WHERE status = $1 AND locked_at IS NOT NULL AND locked_at < $2
		ORDER BY seq ASC LIMIT 1`, string(StatusProcessing), cutoff).Scan(&staleTaskID, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("select stale tx outbox task: %w", err)
	}
	return s.reclaimStale(ctx, staleTaskID, workerID, lockedAt)
}

func (s *Store) claimPending(ctx context.Context, taskID, workerID string) (Task, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tx_outbox_tasks
		SET status = $1, locked_at = now(), locked_by = $2, attempts = attempts + 1, updated_at = now()
		WHERE task_id = $3 AND status = $4 AND locked_at IS NULL`,
		string(StatusProcessing), workerID, taskID, string(StatusPending))
	if err != nil {
		return Task{}, false, fmt.Errorf("claim pending tx outbox task: %w", err)
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
		UPDATE tx_outbox_tasks
		SET locked_at = now(), locked_by = $1, attempts = attempts + 1, updated_at = now()
		WHERE task_id = $2 AND status = $3 AND locked_at = $4`,
		workerID, taskID, string(StatusProcessing), oldLockedAt)
	if err != nil {
		return Task{}, false, fmt.Errorf("reclaim stale tx outbox task: %w", err)
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

func (s *Store) byID(ctx context.Context, taskID string) (Task, error) {
	return s.scanOne(ctx, `SELECT task_id, task_type, payload_json, status, attempts, locked_at, locked_by,
		COALESCE(tx_hash,''), COALESCE(last_error_hint,''), idempotency_key, created_at, updated_at
		FROM tx_outbox_tasks WHERE task_id = $1`, taskID)
}

// UpdateTxHash persists a submitted tx_hash before the worker performs any
// side effect that would otherwise be lost on crash.
func (s *Store) UpdateTxHash(ctx context.Context, taskID, txHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tx_outbox_tasks SET tx_hash = $1, updated_at = now() WHERE task_id = $2`, txHash, taskID)
	if err != nil {
		return fmt.Errorf("update tx outbox tx_hash: %w", err)
	}
	return nil
}

// Complete transitions a processing task to a terminal (or blocked) status.
func (s *Store) Complete(ctx context.Context, taskID string, status Status, errorHint string) error {
	if status == StatusPending || status == StatusProcessing {
		return fmt.Errorf("txoutbox: Complete cannot transition to non-terminal status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tx_outbox_tasks SET status = $1, last_error_hint = NULLIF($2,''), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE task_id = $3`, string(status), errorHint, taskID)
	if err != nil {
		return fmt.Errorf("complete tx outbox task: %w", err)
	}
	return nil
}

// Retry re-enqueues a retryable failure under a fresh deterministic key, or
// returns the existing task if one with that key already exists. A
// retryable error completes the current task as failed (via Complete)
// and the caller supplies retryIdempotencyKey (e.g.
// the same key with an attempts suffix) to make the retry visible again.
func (s *Store) Retry(ctx context.Context, taskType TaskType, payload []byte, retryIdempotencyKey string) (Task, bool, error) {
	return s.Enqueue(ctx, taskType, payload, retryIdempotencyKey)
}

// SumAmountByStatuses sums a JSON numeric field (typically
// payload->>'amount_micro_usdc') across tasks of taskType whose status is
// one of statuses. Used by C9 marketing-fee accounting to compute
// sent_total.
func (s *Store) SumAmountByStatuses(ctx context.Context, taskType TaskType, statuses []Status) (int64, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM((payload_json->>'amount_micro_usdc')::BIGINT),0)
		FROM tx_outbox_tasks WHERE task_type = $1 AND status = ANY($2)`,
		string(taskType), pq.Array(strs)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum tx outbox amounts: %w", err)
	}
	return sum.Int64, nil
}

// QueueDepth returns the count of tasks in status, across all task types,
// for the outbox queue-depth gauge.
func (s *Store) QueueDepth(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tx_outbox_tasks WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tx outbox tasks: %w", err)
	}
	return n, nil
}
