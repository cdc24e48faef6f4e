// Package policy implements the fail-closed spend-policy gate: every
// outflow (bounty payout, capital outflow, profit deposit, distribution
// execute, marketing fee deposit) is checked against this gate before the
// corresponding outbox task is allowed to transition out of pending. The
// gate never mutates state and never panics on a missing precondition; it
// always returns a Decision.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/dao-autonomy/control-plane/internal/reconcile"
)

// Decision is the gate's verdict. It replaces exception-based control flow:
// callers type-switch on Allowed rather than catching an error, mirroring
// the "gate never throws" requirement.
type Decision struct {
	Allowed       bool
	BlockedReason string
}

func allow() Decision { return Decision{Allowed: true} }

func block(reason string) Decision { return Decision{Allowed: false, BlockedReason: reason} }

// SpendCaps holds the optional per-transaction/day/month limits configured
// for a scope. A zero value means the cap is not enforced.
type SpendCaps struct {
	PerTxMicroUSDC    int64
	PerDayMicroUSDC   int64
	PerMonthMicroUSDC int64
}

// SpentTotals reports amounts already spent in the current day/month for
// the scope being checked, so the gate can compare against SpendCaps.
type SpentTotals struct {
	TodayMicroUSDC int64
	MonthMicroUSDC int64
}

// ReconciliationLookup is the subset of reconcile.Store the gate needs.
type ReconciliationLookup interface {
	Latest(ctx context.Context, scope reconcile.Scope, scopeKey string, maxAge time.Duration) (reconcile.Report, bool, error)
}

// Input describes one proposed outflow.
type Input struct {
	// ScopeName is the short noun embedded in blocked_reason strings, e.g.
	// "project_capital", "project_revenue", "platform", "distribution".
	ScopeName string
	Scope     reconcile.Scope
	ScopeKey  string

	// AnchorConfigured reports whether the on-chain address this outflow
	// would move funds to/from (treasury, revenue, distributor) is set.
	AnchorConfigured bool

	MaxAge time.Duration

	AmountMicroUSDC int64
	Caps            SpendCaps
	Spent           SpentTotals

	// RemainingCapitalMicroUSDC is non-nil only for bounty payouts funded
	// from project capital; nil means this check does not apply.
	RemainingCapitalMicroUSDC *int64
}

// Evaluate runs six ordered assertions and returns the first failing one
// as the Decision's BlockedReason. It never mutates
// state.
func Evaluate(ctx context.Context, lookup ReconciliationLookup, in Input) Decision {
	if !in.AnchorConfigured {
		return block(fmt.Sprintf("%s_address_missing", in.ScopeName))
	}

	// maxAge=0 asks the store for the raw, as-computed report: the gate
	// evaluates readiness (step 3) and freshness (step 4) as independent,
	// separately ordered conditions, rather than letting the store collapse
	// "not ready" and "stale" into one reason.
	report, ok, err := lookup.Latest(ctx, in.Scope, in.ScopeKey, 0)
	if err != nil || !ok {
		return block(fmt.Sprintf("%s_reconciliation_missing", in.ScopeName))
	}

	if !report.Ready || (report.DeltaMicroUSDC != nil && *report.DeltaMicroUSDC != 0) {
		return block(fmt.Sprintf("%s_not_reconciled", in.ScopeName))
	}
	if in.MaxAge > 0 && time.Since(report.ComputedAt) > in.MaxAge {
		return block(fmt.Sprintf("%s_reconciliation_stale", in.ScopeName))
	}

	if in.Caps.PerTxMicroUSDC > 0 && in.AmountMicroUSDC > in.Caps.PerTxMicroUSDC {
		return block(fmt.Sprintf("project_spend_policy_per_%s_exceeded", "tx"))
	}
	if in.Caps.PerDayMicroUSDC > 0 && in.Spent.TodayMicroUSDC+in.AmountMicroUSDC > in.Caps.PerDayMicroUSDC {
		return block(fmt.Sprintf("project_spend_policy_per_%s_exceeded", "day"))
	}
	if in.Caps.PerMonthMicroUSDC > 0 && in.Spent.MonthMicroUSDC+in.AmountMicroUSDC > in.Caps.PerMonthMicroUSDC {
		return block(fmt.Sprintf("project_spend_policy_per_%s_exceeded", "month"))
	}

	if in.RemainingCapitalMicroUSDC != nil && *in.RemainingCapitalMicroUSDC < in.AmountMicroUSDC {
		return block("insufficient_project_capital")
	}

	return allow()
}

// AuditHint formats d as the audit_log.error_hint prefix:
// "br=<blocked_reason>;...".
func (d Decision) AuditHint() string {
	if d.Allowed {
		return ""
	}
	return fmt.Sprintf("br=%s;", d.BlockedReason)
}
