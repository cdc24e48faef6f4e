// Package bounty implements the bounty mark-paid flow: the fail-closed
// spend-policy gate runs before any ledger write, and on success the
// expense/capital ledger append and the audit row commit in the same
// transaction.
package bounty

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dao-autonomy/control-plane/internal/audit"
	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/policy"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
)

// Status mirrors the bounties table's status column.
type Status string

const (
	StatusOpen             Status = "open"
	StatusEligibleForPayout Status = "eligible_for_payout"
	StatusPaid             Status = "paid"
)

// Bounty is one bounties row.
type Bounty struct {
	BountyID        string
	ProjectID       string
	AmountMicroUSDC int64
	Status          Status
	PaidTxHash      string
}

// Store reads and transitions bounties.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for bounty persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ErrNotFound is returned when the requested bounty does not exist.
var ErrNotFound = fmt.Errorf("bounty: not found")

// Get loads one bounty by ID.
func (s *Store) Get(ctx context.Context, bountyID string) (Bounty, error) {
	var b Bounty
	var status string
	var paidTxHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT bounty_id, project_id, amount_micro_usdc, status, paid_tx_hash
		FROM bounties WHERE bounty_id = $1`, bountyID).
		Scan(&b.BountyID, &b.ProjectID, &b.AmountMicroUSDC, &status, &paidTxHash)
	if err == sql.ErrNoRows {
		return Bounty{}, ErrNotFound
	}
	if err != nil {
		return Bounty{}, fmt.Errorf("get bounty: %w", err)
	}
	b.Status, b.PaidTxHash = Status(status), paidTxHash.String
	return b, nil
}

func (s *Store) markPaid(ctx context.Context, tx *sql.Tx, bountyID, txHash string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE bounties SET status = $1, paid_tx_hash = $2, updated_at = now()
		WHERE bounty_id = $3 AND status = $4`,
		string(StatusPaid), txHash, bountyID, string(StatusEligibleForPayout))
	if err != nil {
		return fmt.Errorf("mark bounty paid: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("bounty: not in eligible_for_payout state")
	}
	return nil
}

// MarkPaidResult is the outcome of a mark-paid request.
type MarkPaidResult struct {
	Success       bool
	BlockedReason string
	AuditHint     string
}

// MarkPaidInput describes one mark-paid request.
type MarkPaidInput struct {
	BountyID                  string
	PaidTxHash                string
	RemainingCapitalMicroUSDC *int64
	Caps                      policy.SpendCaps
	Spent                     policy.SpentTotals
	MaxAge                    time.Duration
}

// MarkPaid runs the spend-policy gate against scopeKey=bounty's project,
// and on success appends a paired expense/capital ledger event and the
// audit row atomically. The deterministic idempotency
// keys ("expense:bounty_paid:{bounty_id}", "cap:bounty_paid:{bounty_id}")
// make the whole operation safe to retry.
func MarkPaid(ctx context.Context, db *sql.DB, bountyStore *Store, lookup policy.ReconciliationLookup, in MarkPaidInput) (MarkPaidResult, error) {
	b, err := bountyStore.Get(ctx, in.BountyID)
	if err != nil {
		return MarkPaidResult{}, err
	}

	decision := policy.Evaluate(ctx, lookup, policy.Input{
		ScopeName:                 "project_capital",
		Scope:                     reconcile.ScopeProject,
		ScopeKey:                  b.ProjectID,
		AnchorConfigured:          true,
		MaxAge:                    in.MaxAge,
		AmountMicroUSDC:           b.AmountMicroUSDC,
		Caps:                      in.Caps,
		Spent:                     in.Spent,
		RemainingCapitalMicroUSDC: in.RemainingCapitalMicroUSDC,
	})

	if !decision.Allowed {
		if auditErr := audit.Record(ctx, db, audit.Entry{
			ActorType:      audit.ActorAgent,
			Method:         "POST",
			Path:           fmt.Sprintf("/api/v1/agent/bounties/%s/mark-paid", in.BountyID),
			IdempotencyKey: fmt.Sprintf("expense:bounty_paid:%s", in.BountyID),
			StatusCode:     200,
			ErrorHint:      decision.AuditHint(),
		}); auditErr != nil {
			return MarkPaidResult{}, fmt.Errorf("record mark-paid denial audit: %w", auditErr)
		}
		return MarkPaidResult{Success: false, BlockedReason: decision.BlockedReason, AuditHint: decision.AuditHint()}, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return MarkPaidResult{}, fmt.Errorf("begin mark-paid tx: %w", err)
	}
	defer tx.Rollback()

	ledgerStore := ledger.NewStore(tx)
	if _, _, err := ledgerStore.AppendExpense(ctx, ledger.ExpenseEvent{
		ProjectID:       b.ProjectID,
		AmountMicroUSDC: b.AmountMicroUSDC,
		TxHash:          in.PaidTxHash,
		Source:          "bounty_paid",
		IdempotencyKey:  fmt.Sprintf("expense:bounty_paid:%s", in.BountyID),
	}); err != nil {
		return MarkPaidResult{}, fmt.Errorf("append bounty expense event: %w", err)
	}
	if _, _, err := ledgerStore.AppendCapital(ctx, ledger.CapitalEvent{
		ProjectID:      b.ProjectID,
		DeltaMicroUSDC: -b.AmountMicroUSDC,
		Source:         "bounty_paid",
		IdempotencyKey: fmt.Sprintf("cap:bounty_paid:%s", in.BountyID),
		EvidenceTxHash: in.PaidTxHash,
	}); err != nil {
		return MarkPaidResult{}, fmt.Errorf("append bounty capital event: %w", err)
	}
	if err := bountyStore.markPaid(ctx, tx, in.BountyID, in.PaidTxHash); err != nil {
		return MarkPaidResult{}, err
	}
	if err := audit.Record(ctx, tx, audit.Entry{
		ActorType:      audit.ActorAgent,
		Method:         "POST",
		Path:           fmt.Sprintf("/api/v1/agent/bounties/%s/mark-paid", in.BountyID),
		IdempotencyKey: fmt.Sprintf("expense:bounty_paid:%s", in.BountyID),
		TxHash:         in.PaidTxHash,
		StatusCode:     200,
	}); err != nil {
		return MarkPaidResult{}, fmt.Errorf("record mark-paid success audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MarkPaidResult{}, fmt.Errorf("commit mark-paid tx: %w", err)
	}
	return MarkPaidResult{Success: true}, nil
}
