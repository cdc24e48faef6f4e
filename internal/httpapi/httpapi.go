// Package httpapi wires the oracle and agent HTTP surfaces onto a plain
// net/http.ServeMux rather than a third-party web framework.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/dao-autonomy/control-plane/internal/agent"
	"github.com/dao-autonomy/control-plane/internal/audit"
	"github.com/dao-autonomy/control-plane/internal/bounty"
	"github.com/dao-autonomy/control-plane/internal/config"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/httputil"
	"github.com/dao-autonomy/control-plane/internal/marketing"
	"github.com/dao-autonomy/control-plane/internal/oracleauth"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/dao-autonomy/control-plane/internal/settlement"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
	"github.com/dao-autonomy/control-plane/pkg/logger"
	"github.com/dao-autonomy/control-plane/pkg/metrics"
)

// Deps holds every store and gate the router's handlers need.
type Deps struct {
	DB *sql.DB
	Cfg *config.Config
	Log *logger.Logger

	OracleGate *oracleauth.Gate
	AuditStore *audit.Store

	AgentStore      *agent.Store
	BountyStore     *bounty.Store
	SettlementStore *settlement.Store
	ReconcileStore  *reconcile.Store
	TxOutboxStore   *txoutbox.Store
	GitOutboxStore  *gitoutbox.Store
	MarketingStore  *marketing.Store
}

// NewRouter builds the full HTTP surface: oracle endpoints behind the HMAC
// gate, representative agent endpoints behind X-API-Key, and the
// unauthenticated operational endpoints (/healthz, /metrics).
func NewRouter(d *Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz(d))
	mux.Handle("GET /metrics", metrics.Handler())

	oracle := http.NewServeMux()
	registerOracleRoutes(oracle, d)
	mux.Handle("/api/v1/oracle/", instrumentedOracle(d, oracle))

	agentMux := http.NewServeMux()
	registerAgentRoutes(agentMux, d)
	mux.Handle("/api/v1/", agentMux)

	return mux
}

func instrumentedOracle(d *Deps, inner http.Handler) http.Handler {
	gated := d.OracleGate.Middleware(inner)
	return metrics.InstrumentHandler("oracle", withAudit(d, gated))
}

// withAudit wraps the oracle mux so a request whose handler didn't itself
// write an audit row (e.g. the gate rejected it before reaching the
// handler) still gets one, keeping the "every authenticated request is
// audited" invariant true even on header/signature failures the gate
// itself returns early from.
func withAudit(d *Deps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		result, ok := oracleauth.FromContext(r.Context())
		if !ok {
			return
		}
		_ = audit.Record(r.Context(), d.DB, audit.Entry{
			ActorType:       audit.ActorOracle,
			Method:          r.Method,
			Path:            r.URL.Path,
			BodyHash:        result.BodyHash,
			SignatureStatus: result.SignatureStatus,
			RequestID:       result.RequestID,
			StatusCode:      rec.status,
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func handleHealthz(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.DB.PingContext(r.Context()); err != nil {
			httputil.ServiceUnavailable(w, "database unreachable")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func agentFromRequest(r *http.Request, store *agent.Store) (agent.Agent, error) {
	return store.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
}

func requireAgent(w http.ResponseWriter, r *http.Request, store *agent.Store) (agent.Agent, bool) {
	a, err := agentFromRequest(r, store)
	if err != nil {
		httputil.Unauthorized(w, "invalid agent credential")
		return agent.Agent{}, false
	}
	return a, true
}

type agentContextKey struct{}

func withAgent(ctx context.Context, a agent.Agent) context.Context {
	return context.WithValue(ctx, agentContextKey{}, a)
}

func agentFromContext(ctx context.Context) (agent.Agent, bool) {
	a, ok := ctx.Value(agentContextKey{}).(agent.Agent)
	return a, ok
}
