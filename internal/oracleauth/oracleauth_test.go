package oracleauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dao-autonomy/control-plane/internal/crypto"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newGate(t *testing.T) (*Gate, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	g := NewGate(db, []byte("shh"), 300*time.Second, 5*time.Second, false)
	g.now = func() time.Time { return fixedNow }
	return g, mock, func() { db.Close() }
}

func TestCheckMissingHeadersReturns403(t *testing.T) {
	g, _, closeDB := newGate(t)
	defer closeDB()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/oracle/ledger-events", nil)
	result := g.Check(context.Background(), req, nil)
	require.Equal(t, OutcomeMissingHeader, result.Outcome)
	require.Equal(t, http.StatusForbidden, result.StatusCode)
	require.Equal(t, "missing_required_oracle_headers", result.ErrorHint)
}

func TestCheckStaleTimestampRejected(t *testing.T) {
	g, _, closeDB := newGate(t)
	defer closeDB()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/oracle/ledger-events", nil)
	req.Header.Set(HeaderTimestamp, "1") // far in the past relative to fixedNow
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderSignature, "deadbeef")

	result := g.Check(context.Background(), req, nil)
	require.Equal(t, OutcomeStale, result.Outcome)
	require.Equal(t, http.StatusForbidden, result.StatusCode)
}

func TestCheckValidSignaturePassesAndInsertsNonce(t *testing.T) {
	g, mock, closeDB := newGate(t)
	defer closeDB()

	ts := fixedNow.Unix()
	body := []byte(`{"amount":1}`)
	bodyHash := crypto.HashBody(body)
	tsStr := itoa(ts)
	sig := crypto.SignOracleRequest(g.secret, tsStr, "req-1", http.MethodPost, "/api/v1/oracle/ledger-events", bodyHash)

	mock.ExpectExec("INSERT INTO oracle_nonces").WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/oracle/ledger-events", nil)
	req.Header.Set(HeaderTimestamp, tsStr)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderSignature, sig)

	result := g.Check(context.Background(), req, body)
	require.Equal(t, OutcomeOK, result.Outcome)
	require.Equal(t, bodyHash, result.BodyHash)
}

func TestCheckReplayedNonceRejected(t *testing.T) {
	g, mock, closeDB := newGate(t)
	defer closeDB()

	ts := fixedNow.Unix()
	body := []byte(`{}`)
	bodyHash := crypto.HashBody(body)
	tsStr := itoa(ts)
	sig := crypto.SignOracleRequest(g.secret, tsStr, "req-1", http.MethodPost, "/p", bodyHash)

	mock.ExpectExec("INSERT INTO oracle_nonces").WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/p", nil)
	req.Header.Set(HeaderTimestamp, tsStr)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderSignature, sig)

	result := g.Check(context.Background(), req, body)
	require.Equal(t, OutcomeReplay, result.Outcome)
	require.Equal(t, http.StatusConflict, result.StatusCode)
}

func TestCheckLegacySignatureAcceptedWhenEnabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	g := NewGate(db, []byte("shh"), 300*time.Second, 5*time.Second, true)
	g.now = func() time.Time { return fixedNow }

	ts := fixedNow.Unix()
	body := []byte(`{}`)
	bodyHash := crypto.HashBody(body)
	tsStr := itoa(ts)
	sig := crypto.SignOracleRequestLegacy(g.secret, tsStr, bodyHash)

	mock.ExpectExec("INSERT INTO oracle_nonces").WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/p", nil)
	req.Header.Set(HeaderTimestamp, tsStr)
	req.Header.Set(HeaderRequestID, "req-2")
	req.Header.Set(HeaderSignature, sig)

	result := g.Check(context.Background(), req, body)
	require.Equal(t, OutcomeOKLegacy, result.Outcome)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
