package httpapi

import (
	"database/sql"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dao-autonomy/control-plane/internal/bounty"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/stretchr/testify/require"
)

func TestHandleBountyMarkPaidReturns200WithBlockedReasonOnGateDenial(t *testing.T) {
	d, mock := newTestDeps(t)
	d.ReconcileStore = reconcile.NewStore(d.DB)
	d.Cfg.ReconciliationMaxAgeSeconds = 900

	mock.ExpectQuery("SELECT bounty_id, project_id, amount_micro_usdc, status, paid_tx_hash").
		WillReturnRows(sqlmock.NewRows([]string{"bounty_id", "project_id", "amount_micro_usdc", "status", "paid_tx_hash"}).
			AddRow("bty_1", "proj_1", int64(1_000_000), string(bounty.StatusEligibleForPayout), nil))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(5_000_000)))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(0)))
	mock.ExpectQuery("SELECT bounty_id, project_id, amount_micro_usdc, status, paid_tx_hash").
		WillReturnRows(sqlmock.NewRows([]string{"bounty_id", "project_id", "amount_micro_usdc", "status", "paid_tx_hash"}).
			AddRow("bty_1", "proj_1", int64(1_000_000), string(bounty.StatusEligibleForPayout), nil))
	mock.ExpectQuery("SELECT report_id, scope, scope_key").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest("POST", "/api/v1/agent/bounties/bty_1/mark-paid", strings.NewReader(`{"paid_tx_hash":"0xabc"}`))
	req.SetPathValue("id", "bty_1")
	w := httptest.NewRecorder()
	handleBountyMarkPaid(d)(w, req)

	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), `"success":false`)
	require.Contains(t, w.Body.String(), `"blocked_reason"`)
}
