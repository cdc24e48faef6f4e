package httpapi

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dao-autonomy/control-plane/internal/agent"
	"github.com/dao-autonomy/control-plane/internal/audit"
	"github.com/dao-autonomy/control-plane/internal/bounty"
	"github.com/dao-autonomy/control-plane/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeps(t *testing.T) (*Deps, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Deps{
		DB:         db,
		Cfg:        &config.Config{},
		AgentStore: agent.NewStore(db),
		BountyStore: bounty.NewStore(db),
		AuditStore: audit.NewStore(sqlx.NewDb(db, "postgres")),
	}, mock
}

func TestHealthzReportsOKWhenDBReachable(t *testing.T) {
	d, mock := newTestDeps(t)
	mock.ExpectPing()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handleHealthz(d)(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHealthzReportsServiceUnavailableWhenDBUnreachable(t *testing.T) {
	d, mock := newTestDeps(t)
	mock.ExpectPing().WillReturnError(assert.AnError)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handleHealthz(d)(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAgentRoutesRejectMissingAPIKey(t *testing.T) {
	d, _ := newTestDeps(t)
	mux := http.NewServeMux()
	registerAgentRoutes(mux, d)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/bounties/bty_1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentRoutesRejectMalformedAPIKey(t *testing.T) {
	d, _ := newTestDeps(t)
	mux := http.NewServeMux()
	registerAgentRoutes(mux, d)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/bounties/bty_1", nil)
	req.Header.Set("X-API-Key", "not-a-valid-key")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleBountyGetReturnsNotFoundForUnknownID(t *testing.T) {
	d, mock := newTestDeps(t)
	mock.ExpectQuery("SELECT bounty_id, project_id, amount_micro_usdc, status, paid_tx_hash").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/bounties/bty_missing", nil)
	req.SetPathValue("id", "bty_missing")
	w := httptest.NewRecorder()
	handleBountyGet(d)(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAgentRegisterReturnsPlaintextAPIKeyOnce(t *testing.T) {
	d, mock := newTestDeps(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO agents").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("INSERT INTO agent_api_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body := strings.NewReader(`{"display_name":"Builder Bot","capabilities":["surface_commit"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/register", body)
	w := httptest.NewRecorder()
	handleAgentRegister(d)(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"api_key"`)
}

func TestHandleAuditListUsesLimitAndRequestIDFilter(t *testing.T) {
	d, mock := newTestDeps(t)
	cols := []string{"id", "occurred_at", "actor_type", "actor_id", "method", "path",
		"idempotency_key", "signature_status", "request_id", "tx_hash", "status_code", "error_hint"}
	mock.ExpectQuery("SELECT id, occurred_at, actor_type").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), time.Now(), "oracle", nil, "POST", "/api/v1/oracle/revenue-events",
				nil, nil, nil, nil, 201, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/oracle/audit?limit=10&request_id=req_1", nil)
	w := httptest.NewRecorder()
	handleAuditList(d)(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"path":"/api/v1/oracle/revenue-events"`)
}
