// Package settlement computes monthly profit settlements and manages the
// distribution lifecycle: creating an on-chain distribution for a month's
// profit and executing payouts to stakers and authors.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dao-autonomy/control-plane/internal/ids"
)

// ErrRecipientVectorMismatch is returned when stakers/authors share lengths
// don't match their recipient addresses, or the sum of shares doesn't equal
// the profit being distributed.
var ErrRecipientVectorMismatch = errors.New("settlement: recipient share vectors invalid")

// ErrTooManyRecipients is returned when the staker or author recipient list
// exceeds the hard cap.
var ErrTooManyRecipients = errors.New("settlement: too many recipients")

const (
	maxStakerRecipients = 200
	maxAuthorRecipients = 50
)

// Settlement is one computed monthly profit summary.
type Settlement struct {
	SettlementID         string
	ProfitMonthID        string
	RevenueSumMicroUSDC  int64
	ExpenseSumMicroUSDC  int64
	ProfitSumMicroUSDC   int64
	ProfitNonnegative    bool
}

// Store persists settlements and distribution lifecycle state.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for settlement persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Compute builds a Settlement row from already-summed monthly revenue and
// expense totals; it does not itself query the ledger so the caller decides
// which scope (platform-wide vs project) the sums cover.
func Compute(profitMonthID string, revenueSum, expenseSum int64) Settlement {
	profit := revenueSum - expenseSum
	return Settlement{
		SettlementID:        ids.Settlement(),
		ProfitMonthID:       profitMonthID,
		RevenueSumMicroUSDC: revenueSum,
		ExpenseSumMicroUSDC: expenseSum,
		ProfitSumMicroUSDC:  profit,
		ProfitNonnegative:   profit >= 0,
	}
}

// Save persists s.
func (s *Store) Save(ctx context.Context, st Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (
			settlement_id, profit_month_id, revenue_sum_micro_usdc, expense_sum_micro_usdc,
			profit_sum_micro_usdc, profit_nonnegative
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		st.SettlementID, st.ProfitMonthID, st.RevenueSumMicroUSDC, st.ExpenseSumMicroUSDC,
		st.ProfitSumMicroUSDC, st.ProfitNonnegative)
	if err != nil {
		return fmt.Errorf("save settlement: %w", err)
	}
	return nil
}

// Latest returns the most recently computed settlement for profitMonthID.
func (s *Store) Latest(ctx context.Context, profitMonthID string) (Settlement, bool, error) {
	var st Settlement
	err := s.db.QueryRowContext(ctx, `
		SELECT settlement_id, profit_month_id, revenue_sum_micro_usdc, expense_sum_micro_usdc,
		       profit_sum_micro_usdc, profit_nonnegative
		FROM settlements WHERE profit_month_id = $1
		ORDER BY computed_at DESC LIMIT 1`, profitMonthID).
		Scan(&st.SettlementID, &st.ProfitMonthID, &st.RevenueSumMicroUSDC, &st.ExpenseSumMicroUSDC,
			&st.ProfitSumMicroUSDC, &st.ProfitNonnegative)
	if err != nil {
		if err == sql.ErrNoRows {
			return Settlement{}, false, nil
		}
		return Settlement{}, false, fmt.Errorf("load latest settlement: %w", err)
	}
	return st, true, nil
}

// CreationStatus is the lifecycle state of a distribution_creations row.
type CreationStatus string

const (
	CreationPending       CreationStatus = "pending"
	CreationSubmitted     CreationStatus = "submitted"
	CreationAlreadyExists CreationStatus = "already_exists"
	CreationFailed        CreationStatus = "failed"
)

// CreateDistribution records the intent to create an on-chain distribution
// for profitMonthID, keyed by idempotencyKey so repeated calls are safe.
// Callers must have already verified the month's reconciliation is ready
// and profitSum > 0 before calling this.
func (s *Store) CreateDistribution(ctx context.Context, idempotencyKey, profitMonthID string, profitSum int64) (CreationStatus, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_creations (idempotency_key, profit_month_id, profit_sum_micro_usdc, status)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, profitMonthID, profitSum, string(CreationPending))
	if err != nil {
		return "", fmt.Errorf("insert distribution creation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return CreationAlreadyExists, nil
	}
	return CreationPending, nil
}

// ExecutionStatus is the lifecycle state of a distribution_executions row.
type ExecutionStatus string

const (
	ExecutionPending           ExecutionStatus = "pending"
	ExecutionSubmitted         ExecutionStatus = "submitted"
	ExecutionAlreadyDistributed ExecutionStatus = "already_distributed"
	ExecutionFailed            ExecutionStatus = "failed"
	ExecutionConfirmed         ExecutionStatus = "confirmed"
)

// Recipient is one staker or author share in a distribution execution.
type Recipient struct {
	Address      string
	ShareMicroUSDC int64
}

// ZipRecipients pairs a wire request's parallel address/share arrays into
// Recipients, rejecting a length mismatch explicitly rather than silently
// truncating to the shorter slice.
func ZipRecipients(addresses []string, shares []int64) ([]Recipient, error) {
	if len(addresses) != len(shares) {
		return nil, fmt.Errorf("%w: %d addresses but %d shares", ErrRecipientVectorMismatch, len(addresses), len(shares))
	}
	recipients := make([]Recipient, len(addresses))
	for i, addr := range addresses {
		recipients[i] = Recipient{Address: addr, ShareMicroUSDC: shares[i]}
	}
	return recipients, nil
}

// ValidateRecipients checks that stakers and authors are each within their
// caps and that the combined shares sum to profitSum exactly.
func ValidateRecipients(stakers, authors []Recipient, profitSum int64) error {
	if len(stakers) > maxStakerRecipients {
		return fmt.Errorf("%w: %d stakers exceeds cap of %d", ErrTooManyRecipients, len(stakers), maxStakerRecipients)
	}
	if len(authors) > maxAuthorRecipients {
		return fmt.Errorf("%w: %d authors exceeds cap of %d", ErrTooManyRecipients, len(authors), maxAuthorRecipients)
	}

	var total int64
	for _, r := range stakers {
		total += r.ShareMicroUSDC
	}
	for _, r := range authors {
		total += r.ShareMicroUSDC
	}
	if total != profitSum {
		return fmt.Errorf("%w: shares sum to %d, profit is %d", ErrRecipientVectorMismatch, total, profitSum)
	}
	return nil
}

// ExecuteDistribution records the intent to execute payouts for
// profitMonthID, keyed by idempotencyKey. Callers must call
// ValidateRecipients first.
func (s *Store) ExecuteDistribution(ctx context.Context, idempotencyKey, profitMonthID string, stakersJSON, authorsJSON []byte) (ExecutionStatus, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_executions (idempotency_key, profit_month_id, status, stakers_json, authors_json)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, profitMonthID, string(ExecutionPending), stakersJSON, authorsJSON)
	if err != nil {
		return "", fmt.Errorf("insert distribution execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ExecutionAlreadyDistributed, nil
	}
	return ExecutionPending, nil
}
