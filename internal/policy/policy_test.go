package policy

import (
	"context"
	"testing"
	"time"

	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	report reconcile.Report
	ok     bool
	err    error
}

func (f fakeLookup) Latest(ctx context.Context, scope reconcile.Scope, scopeKey string, maxAge time.Duration) (reconcile.Report, bool, error) {
	return f.report, f.ok, f.err
}

func int64p(v int64) *int64 { return &v }

func TestEvaluateAnchorMissing(t *testing.T) {
	d := Evaluate(context.Background(), fakeLookup{}, Input{ScopeName: "project_capital", AnchorConfigured: false})
	require.False(t, d.Allowed)
	require.Equal(t, "project_capital_address_missing", d.BlockedReason)
}

func TestEvaluateReconciliationMissing(t *testing.T) {
	d := Evaluate(context.Background(), fakeLookup{ok: false}, Input{ScopeName: "project_capital", AnchorConfigured: true})
	require.False(t, d.Allowed)
	require.Equal(t, "project_capital_reconciliation_missing", d.BlockedReason)
}

func TestEvaluateNotReconciled(t *testing.T) {
	lookup := fakeLookup{ok: true, report: reconcile.Report{Ready: false, DeltaMicroUSDC: int64p(5)}}
	d := Evaluate(context.Background(), lookup, Input{ScopeName: "project_capital", AnchorConfigured: true})
	require.False(t, d.Allowed)
	require.Equal(t, "project_capital_not_reconciled", d.BlockedReason)
}

func TestEvaluateStale(t *testing.T) {
	lookup := fakeLookup{ok: true, report: reconcile.Report{
		Ready: true, DeltaMicroUSDC: int64p(0), ComputedAt: time.Now().Add(-1 * time.Hour),
	}}
	d := Evaluate(context.Background(), lookup, Input{ScopeName: "project_capital", AnchorConfigured: true, MaxAge: 15 * time.Minute})
	require.False(t, d.Allowed)
	require.Equal(t, "project_capital_reconciliation_stale", d.BlockedReason)
}

func TestEvaluateSpendCapExceeded(t *testing.T) {
	lookup := fakeLookup{ok: true, report: reconcile.Report{
		Ready: true, DeltaMicroUSDC: int64p(0), ComputedAt: time.Now(),
	}}
	d := Evaluate(context.Background(), lookup, Input{
		ScopeName: "project_capital", AnchorConfigured: true, MaxAge: time.Hour,
		AmountMicroUSDC: 6000, Caps: SpendCaps{PerTxMicroUSDC: 5000},
	})
	require.False(t, d.Allowed)
	require.Equal(t, "project_spend_policy_per_tx_exceeded", d.BlockedReason)
}

func TestEvaluateInsufficientCapital(t *testing.T) {
	lookup := fakeLookup{ok: true, report: reconcile.Report{
		Ready: true, DeltaMicroUSDC: int64p(0), ComputedAt: time.Now(),
	}}
	remaining := int64(100)
	d := Evaluate(context.Background(), lookup, Input{
		ScopeName: "project_capital", AnchorConfigured: true, MaxAge: time.Hour,
		AmountMicroUSDC: 200, RemainingCapitalMicroUSDC: &remaining,
	})
	require.False(t, d.Allowed)
	require.Equal(t, "insufficient_project_capital", d.BlockedReason)
}

func TestEvaluateAllowed(t *testing.T) {
	lookup := fakeLookup{ok: true, report: reconcile.Report{
		Ready: true, DeltaMicroUSDC: int64p(0), ComputedAt: time.Now(),
	}}
	remaining := int64(1000)
	d := Evaluate(context.Background(), lookup, Input{
		ScopeName: "project_capital", AnchorConfigured: true, MaxAge: time.Hour,
		AmountMicroUSDC: 200, RemainingCapitalMicroUSDC: &remaining,
	})
	require.True(t, d.Allowed)
	require.Empty(t, d.BlockedReason)
	require.Empty(t, d.AuditHint())
}

func TestDecisionAuditHint(t *testing.T) {
	d := Decision{Allowed: false, BlockedReason: "project_capital_not_reconciled"}
	require.Equal(t, "br=project_capital_not_reconciled;", d.AuditHint())
}
