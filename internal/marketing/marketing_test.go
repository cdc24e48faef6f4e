package marketing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
	"github.com/stretchr/testify/require"
)

func TestFeeAmountFloorsDivision(t *testing.T) {
	require.Equal(t, int64(0), FeeAmount(99, 100))
	require.Equal(t, int64(1), FeeAmount(1000, 10))
	require.Equal(t, int64(1_000_000), FeeAmount(100_000_000, 100))
}

func TestAccrueInsertsNewEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO marketing_fee_accrual_events").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	created, err := store.Accrue(context.Background(), AccrualInput{
		ChainID:        1,
		TxHash:         "0xabc",
		LogIndex:       0,
		ToAddress:      "0xdead",
		Bucket:         BucketProjectRevenue,
		GrossMicroUSDC: 100_000_000,
		FeeBPS:         100,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestAccrueSkipsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO marketing_fee_accrual_events").WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	created, err := store.Accrue(context.Background(), AccrualInput{
		ChainID: 1, TxHash: "0xabc", LogIndex: 0, ToAddress: "0xdead",
		Bucket: BucketProjectRevenue, GrossMicroUSDC: 100, FeeBPS: 100,
	})
	require.NoError(t, err)
	require.False(t, created)
}

func TestSettleDepositEnqueuesDeltaOnly(t *testing.T) {
	// S6: accrued_total=100, existing sent_total=60 -> enqueue delta=40.
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(fee_micro_usdc\\),0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))
	mock.ExpectQuery("SELECT COALESCE\\(SUM").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(60)))
	mock.ExpectExec("INSERT INTO tx_outbox_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT task_id, task_type, payload_json, status, attempts, locked_at, locked_by").
		WillReturnRows(sqlmock.NewRows([]string{
			"task_id", "task_type", "payload_json", "status", "attempts", "locked_at", "locked_by",
			"coalesce", "coalesce", "idempotency_key", "created_at", "updated_at",
		}).AddRow("txo_1", "deposit_marketing_fee", []byte(`{}`), "pending", 0, nil, "", "", "",
			"deposit_marketing_fee:100:60", time.Now(), time.Now()))

	accrualStore := NewStore(db)
	outboxStore := txoutbox.NewStore(db)

	result, err := SettleDeposit(context.Background(), accrualStore, outboxStore, "0xmarketing")
	require.NoError(t, err)
	require.False(t, result.AlreadyFunded)
	require.Equal(t, int64(100), result.AccruedTotal)
	require.Equal(t, int64(60), result.SentTotal)
	require.Equal(t, int64(40), result.PendingDelta)
}

func TestSettleDepositAlreadyFundedWhenDeltaZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(fee_micro_usdc\\),0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))
	mock.ExpectQuery("SELECT COALESCE\\(SUM").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))

	accrualStore := NewStore(db)
	outboxStore := txoutbox.NewStore(db)

	result, err := SettleDeposit(context.Background(), accrualStore, outboxStore, "0xmarketing")
	require.NoError(t, err)
	require.True(t, result.AlreadyFunded)
	require.Equal(t, int64(0), result.PendingDelta)
}
