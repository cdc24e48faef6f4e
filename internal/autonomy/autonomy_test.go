package autonomy

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
)

func TestBuildAuthorRecipientsWeightsByProfitAndAssignsResidue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"project_id", "treasury_address", "profit"}).
		AddRow("proj-a", "0xaaa", int64(700)).
		AddRow("proj-b", "0xbbb", int64(300))
	mock.ExpectQuery("SELECT p.project_id").WillReturnRows(rows)

	o := &Orchestrator{LedgerStore: ledger.NewStore(db)}
	recipients, err := o.buildAuthorRecipients(context.Background(), "202601", 1000)
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	var sum int64
	for _, r := range recipients {
		sum += r.ShareMicroUSDC
	}
	require.Equal(t, int64(1000), sum, "recipient vector must sum to exactly profitSum")

	byAddr := map[string]int64{}
	for _, r := range recipients {
		byAddr[r.Address] = r.ShareMicroUSDC
	}
	require.Equal(t, int64(700), byAddr["0xaaa"])
	require.Equal(t, int64(300), byAddr["0xbbb"])
}

func TestBuildAuthorRecipientsAssignsRoundingResidueToLargest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"project_id", "treasury_address", "profit"}).
		AddRow("proj-a", "0xaaa", int64(1)).
		AddRow("proj-b", "0xbbb", int64(1)).
		AddRow("proj-c", "0xccc", int64(1))
	mock.ExpectQuery("SELECT p.project_id").WillReturnRows(rows)

	o := &Orchestrator{LedgerStore: ledger.NewStore(db)}
	recipients, err := o.buildAuthorRecipients(context.Background(), "202601", 100)
	require.NoError(t, err)

	var sum int64
	for _, r := range recipients {
		sum += r.ShareMicroUSDC
	}
	require.Equal(t, int64(100), sum)
}

func TestBuildAuthorRecipientsSkipsProjectsWithoutTreasuryAddress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"project_id", "treasury_address", "profit"}).
		AddRow("proj-a", "", int64(500)).
		AddRow("proj-b", "0xbbb", int64(500))
	mock.ExpectQuery("SELECT p.project_id").WillReturnRows(rows)

	o := &Orchestrator{LedgerStore: ledger.NewStore(db)}
	recipients, err := o.buildAuthorRecipients(context.Background(), "202601", 1000)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	require.Equal(t, "0xbbb", recipients[0].Address)
	require.Equal(t, int64(1000), recipients[0].ShareMicroUSDC)
}

func TestBuildAuthorRecipientsCapsAtMaxAuthorRecipients(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"project_id", "treasury_address", "profit"})
	for i := 0; i < maxAuthorRecipients+10; i++ {
		rows.AddRow("proj", "0xaaa", int64(1))
	}
	mock.ExpectQuery("SELECT p.project_id").WillReturnRows(rows)

	o := &Orchestrator{LedgerStore: ledger.NewStore(db)}
	recipients, err := o.buildAuthorRecipients(context.Background(), "202601", 1000)
	require.NoError(t, err)
	require.Len(t, recipients, maxAuthorRecipients)
}

func TestBuildAuthorRecipientsReturnsNilWhenNoEligibleProjects(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"project_id", "treasury_address", "profit"})
	mock.ExpectQuery("SELECT p.project_id").WillReturnRows(rows)

	o := &Orchestrator{LedgerStore: ledger.NewStore(db)}
	recipients, err := o.buildAuthorRecipients(context.Background(), "202601", 1000)
	require.NoError(t, err)
	require.Empty(t, recipients)
}

func TestBuildAuthorRecipientsReturnsNilWhenProfitSumNonPositive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"project_id", "treasury_address", "profit"}).
		AddRow("proj-a", "0xaaa", int64(500))
	mock.ExpectQuery("SELECT p.project_id").WillReturnRows(rows)

	o := &Orchestrator{LedgerStore: ledger.NewStore(db)}
	recipients, err := o.buildAuthorRecipients(context.Background(), "202601", 0)
	require.NoError(t, err)
	require.Empty(t, recipients)
}

func TestHasPendingPayoutReflectsProcessingQueueDepth(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM tx_outbox_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	o := &Orchestrator{TxOutboxStore: txoutbox.NewStore(db)}
	pending, err := o.hasPendingPayout(context.Background(), "202601")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestHasPendingPayoutFalseWhenQueueEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM tx_outbox_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	o := &Orchestrator{TxOutboxStore: txoutbox.NewStore(db)}
	pending, err := o.hasPendingPayout(context.Background(), "202601")
	require.NoError(t, err)
	require.False(t, pending)
}

func TestOutcomeLabelReadyReport(t *testing.T) {
	require.Equal(t, "ready", outcomeLabel(reconcile.Report{Ready: true}))
}

func TestOutcomeLabelUsesBlockedReasonWhenPresent(t *testing.T) {
	require.Equal(t, string(reconcile.ReasonStale), outcomeLabel(reconcile.Report{Ready: false, BlockedReason: reconcile.ReasonStale}))
}

func TestOutcomeLabelFallsBackToBlockedWhenReasonMissing(t *testing.T) {
	require.Equal(t, "blocked", outcomeLabel(reconcile.Report{Ready: false, BlockedReason: reconcile.ReasonNone}))
}
