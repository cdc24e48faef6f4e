package settlement

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestComputeDerivesProfit(t *testing.T) {
	s := Compute("202601", 1000, 400)
	require.Equal(t, int64(600), s.ProfitSumMicroUSDC)
	require.True(t, s.ProfitNonnegative)
}

func TestComputeFlagsNegativeProfit(t *testing.T) {
	s := Compute("202601", 100, 400)
	require.Equal(t, int64(-300), s.ProfitSumMicroUSDC)
	require.False(t, s.ProfitNonnegative)
}

func TestValidateRecipientsRequiresExactSum(t *testing.T) {
	err := ValidateRecipients(
		[]Recipient{{Address: "0x1", ShareMicroUSDC: 100}},
		[]Recipient{{Address: "0x2", ShareMicroUSDC: 50}},
		200,
	)
	require.ErrorIs(t, err, ErrRecipientVectorMismatch)
}

func TestValidateRecipientsAcceptsExactSum(t *testing.T) {
	err := ValidateRecipients(
		[]Recipient{{Address: "0x1", ShareMicroUSDC: 150}},
		[]Recipient{{Address: "0x2", ShareMicroUSDC: 50}},
		200,
	)
	require.NoError(t, err)
}

func TestValidateRecipientsEnforcesCaps(t *testing.T) {
	stakers := make([]Recipient, 201)
	err := ValidateRecipients(stakers, nil, 0)
	require.ErrorIs(t, err, ErrTooManyRecipients)
}

func TestCreateDistributionReturnsAlreadyExistsOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO distribution_creations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	status, err := store.CreateDistribution(context.Background(), "create:202601", "202601", 600)
	require.NoError(t, err)
	require.Equal(t, CreationAlreadyExists, status)
}

func TestCreateDistributionReturnsPendingOnFirstInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO distribution_creations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewStore(db)
	status, err := store.CreateDistribution(context.Background(), "create:202601", "202601", 600)
	require.NoError(t, err)
	require.Equal(t, CreationPending, status)
}
