// Package marketing derives per-inflow marketing fee accrual events and
// settles the outstanding (accrued - sent) balance through the tx outbox.
package marketing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dao-autonomy/control-plane/internal/ids"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
)

// Bucket classifies which inflow stream a fee was derived from.
type Bucket string

const (
	BucketProjectRevenue  Bucket = "project_revenue"
	BucketProjectCapital  Bucket = "project_capital"
	BucketPlatformRevenue Bucket = "platform_revenue"
)

// AccrualInput describes one inflow to derive a fee event from.
type AccrualInput struct {
	ChainID         int64
	TxHash          string
	LogIndex        int
	ToAddress       string
	Bucket          Bucket
	GrossMicroUSDC  int64
	FeeBPS          int
}

// FeeAmount computes floor(gross * bps / 10_000), the fee derivation
// formula.
func FeeAmount(grossMicroUSDC int64, feeBPS int) int64 {
	return grossMicroUSDC * int64(feeBPS) / 10_000
}

// Store persists marketing fee accrual events.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for marketing fee persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Accrue idempotently inserts the derived fee event for one inflow,
// keyed by (chain_id, tx_hash, log_index, to_address).
// It returns created=false without modifying anything if the row already
// exists.
func (s *Store) Accrue(ctx context.Context, in AccrualInput) (created bool, err error) {
	feeAmount := FeeAmount(in.GrossMicroUSDC, in.FeeBPS)
	eventID := ids.MarketingFeeAccrual()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO marketing_fee_accrual_events (event_id, chain_id, tx_hash, log_index, to_address, bucket, gross_micro_usdc, fee_bps, fee_micro_usdc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (chain_id, tx_hash, log_index, to_address) DO NOTHING`,
		eventID, in.ChainID, in.TxHash, in.LogIndex, in.ToAddress, string(in.Bucket), in.GrossMicroUSDC, in.FeeBPS, feeAmount)
	if err != nil {
		return false, fmt.Errorf("insert marketing fee accrual: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// AccruedTotal sums fee_micro_usdc across every accrual event recorded so
// far.
func (s *Store) AccruedTotal(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(fee_micro_usdc),0) FROM marketing_fee_accrual_events`).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum marketing fee accruals: %w", err)
	}
	return sum.Int64, nil
}

// sentStatuses are the tx outbox states that count as "already committed
// to being paid" for the pending_delta computation.
var sentStatuses = []txoutbox.Status{txoutbox.StatusPending, txoutbox.StatusProcessing, txoutbox.StatusSucceeded}

// DepositResult reports the outcome of a settlement deposit attempt.
type DepositResult struct {
	AccruedTotal  int64
	SentTotal     int64
	PendingDelta  int64
	AlreadyFunded bool
	Task          txoutbox.Task
}

// SettleDeposit computes accrued_total - sent_total and, if positive,
// enqueues a deposit_marketing_fee outbox task for the delta under a
// deterministic idempotency key. If the delta is zero it reports
// AlreadyFunded without enqueuing anything.
func SettleDeposit(ctx context.Context, accrualStore *Store, outboxStore *txoutbox.Store, destinationAddress string) (DepositResult, error) {
	accruedTotal, err := accrualStore.AccruedTotal(ctx)
	if err != nil {
		return DepositResult{}, err
	}
	sentTotal, err := outboxStore.SumAmountByStatuses(ctx, txoutbox.TaskDepositMarketingFee, sentStatuses)
	if err != nil {
		return DepositResult{}, err
	}

	pendingDelta := accruedTotal - sentTotal
	if pendingDelta <= 0 {
		return DepositResult{AccruedTotal: accruedTotal, SentTotal: sentTotal, AlreadyFunded: true}, nil
	}

	idempotencyKey := fmt.Sprintf("deposit_marketing_fee:%d:%d", accruedTotal, sentTotal)
	payload := []byte(fmt.Sprintf(`{"amount_micro_usdc":%d,"to_address":%q}`, pendingDelta, destinationAddress))
	task, _, err := outboxStore.Enqueue(ctx, txoutbox.TaskDepositMarketingFee, payload, idempotencyKey)
	if err != nil {
		return DepositResult{}, err
	}

	return DepositResult{AccruedTotal: accruedTotal, SentTotal: sentTotal, PendingDelta: pendingDelta, Task: task}, nil
}
