// Package reconcile compares ledger balances against on-chain observations
// and produces reconciliation reports that gate settlement and spend
// decisions downstream.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dao-autonomy/control-plane/internal/ids"
)

// BlockedReason enumerates why a reconciliation is not ready for spend.
type BlockedReason string

const (
	ReasonNone                BlockedReason = ""
	ReasonBalanceMismatch     BlockedReason = "balance_mismatch"
	ReasonNegativeProfit      BlockedReason = "negative_profit"
	ReasonRPCNotConfigured    BlockedReason = "rpc_not_configured"
	ReasonRPCError            BlockedReason = "rpc_error"
	ReasonTreasuryNotConfigured BlockedReason = "treasury_not_configured"
	ReasonStale               BlockedReason = "stale"
)

// Scope identifies what a reconciliation report covers: a single project's
// treasury, or the platform-wide settlement treasury.
type Scope string

const (
	ScopeProject  Scope = "project"
	ScopePlatform Scope = "platform"
)

// Report is one computed reconciliation result.
type Report struct {
	ReportID               string
	Scope                  Scope
	ScopeKey               string
	LedgerBalanceMicroUSDC  *int64
	OnchainBalanceMicroUSDC *int64
	DeltaMicroUSDC          *int64
	Ready                   bool
	BlockedReason           BlockedReason
	ComputedAt              time.Time
}

// BalanceReader supplies the ledger and on-chain balances a reconciliation
// needs; callers implement it against internal/ledger and internal/chain.
type BalanceReader interface {
	LedgerBalance(ctx context.Context, scopeKey string) (int64, error)
	OnchainBalance(ctx context.Context, scopeKey string) (int64, error)
}

// Store persists and retrieves reconciliation reports.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for reconciliation report persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Compute derives a reconciliation report for scopeKey. treasuryConfigured
// and rpcConfigured gate the rpc_not_configured/treasury_not_configured
// blocked reasons before any balance lookup is attempted.
func Compute(ctx context.Context, reader BalanceReader, scope Scope, scopeKey string, treasuryConfigured, rpcConfigured bool) Report {
	report := Report{
		ReportID:   ids.ReconciliationReport(),
		Scope:      scope,
		ScopeKey:   scopeKey,
		ComputedAt: time.Now(),
	}

	if !treasuryConfigured {
		report.BlockedReason = ReasonTreasuryNotConfigured
		return report
	}
	if !rpcConfigured {
		report.BlockedReason = ReasonRPCNotConfigured
		return report
	}

	ledgerBalance, err := reader.LedgerBalance(ctx, scopeKey)
	if err != nil {
		report.BlockedReason = ReasonRPCError
		return report
	}
	onchainBalance, err := reader.OnchainBalance(ctx, scopeKey)
	if err != nil {
		report.BlockedReason = ReasonRPCError
		return report
	}

	delta := onchainBalance - ledgerBalance
	report.LedgerBalanceMicroUSDC = &ledgerBalance
	report.OnchainBalanceMicroUSDC = &onchainBalance
	report.DeltaMicroUSDC = &delta

	switch {
	case delta != 0:
		report.BlockedReason = ReasonBalanceMismatch
	case ledgerBalance < 0:
		report.BlockedReason = ReasonNegativeProfit
	default:
		report.Ready = true
	}
	return report
}

// Save persists report.
func (s *Store) Save(ctx context.Context, r Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (
			report_id, scope, scope_key, ledger_balance_micro_usdc, onchain_balance_micro_usdc,
			delta_micro_usdc, ready, blocked_reason, computed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ReportID, string(r.Scope), r.ScopeKey, r.LedgerBalanceMicroUSDC, r.OnchainBalanceMicroUSDC,
		r.DeltaMicroUSDC, r.Ready, nullableReason(r.BlockedReason), r.ComputedAt)
	if err != nil {
		return fmt.Errorf("save reconciliation report: %w", err)
	}
	return nil
}

// Latest returns the most recently computed report for scopeKey, or
// ok=false if none exists yet. If maxAge > 0 and the freshest report is
// older than maxAge, it is returned with ok=true but Ready=false and
// BlockedReason stale.
func (s *Store) Latest(ctx context.Context, scope Scope, scopeKey string, maxAge time.Duration) (Report, bool, error) {
	var r Report
	var scopeStr, blockedReason sql.NullString
	var ledger, onchain, delta sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT report_id, scope, scope_key, ledger_balance_micro_usdc, onchain_balance_micro_usdc,
		       delta_micro_usdc, ready, blocked_reason, computed_at
		FROM reconciliation_reports WHERE scope = $1 AND scope_key = $2
		ORDER BY computed_at DESC LIMIT 1`, string(scope), scopeKey).
		Scan(&r.ReportID, &scopeStr, &r.ScopeKey, &ledger, &onchain, &delta, &r.Ready, &blockedReason, &r.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Report{}, false, nil
		}
		return Report{}, false, fmt.Errorf("load latest reconciliation report: %w", err)
	}

	r.Scope = Scope(scopeStr.String)
	r.BlockedReason = BlockedReason(blockedReason.String)
	if ledger.Valid {
		v := ledger.Int64
		r.LedgerBalanceMicroUSDC = &v
	}
	if onchain.Valid {
		v := onchain.Int64
		r.OnchainBalanceMicroUSDC = &v
	}
	if delta.Valid {
		v := delta.Int64
		r.DeltaMicroUSDC = &v
	}

	if maxAge > 0 && time.Since(r.ComputedAt) > maxAge {
		r.Ready = false
		r.BlockedReason = ReasonStale
		return r, true, nil
	}
	return r, true, nil
}

func nullableReason(r BlockedReason) interface{} {
	if r == ReasonNone {
		return nil
	}
	return string(r)
}
