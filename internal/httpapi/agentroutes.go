package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dao-autonomy/control-plane/internal/agent"
	"github.com/dao-autonomy/control-plane/internal/bounty"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/httputil"
	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/policy"
)

// registerAgentRoutes mounts the public agent surface: registration is
// open, everything else requires a valid X-API-Key.
func registerAgentRoutes(mux *http.ServeMux, d *Deps) {
	mux.HandleFunc("POST /api/v1/agents/register", handleAgentRegister(d))

	mux.HandleFunc("GET /api/v1/agent/bounties/{id}", requireAgentFunc(d, handleBountyGet(d)))
	mux.HandleFunc("POST /api/v1/agent/bounties/{id}/mark-paid", requireAgentFunc(d, handleBountyMarkPaid(d)))

	mux.HandleFunc("POST /api/v1/agent/projects/{id}/git-outbox/surface-commit", requireAgentFunc(d, handleSurfaceCommit(d)))
	mux.HandleFunc("POST /api/v1/agent/projects/{id}/git-outbox/backend-artifact-commit", requireAgentFunc(d, handleBackendArtifactCommit(d)))
}

// requireAgentFunc wraps next so it only runs once store.Authenticate
// accepts the X-API-Key header; the authenticated agent is available to
// next via r's context under agentContextKey.
func requireAgentFunc(d *Deps, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := requireAgent(w, r, d.AgentStore)
		if !ok {
			return
		}
		next(w, r.WithContext(withAgent(r.Context(), a)))
	}
}

func handleAgentRegister(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DisplayName   string   `json:"display_name"`
			Capabilities  []string `json:"capabilities"`
			WalletAddress string   `json:"wallet_address"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		result, err := agent.Register(r.Context(), d.DB, agent.RegisterInput{
			DisplayName:   req.DisplayName,
			Capabilities:  req.Capabilities,
			WalletAddress: req.WalletAddress,
			PBKDF2Rounds:  d.Cfg.AgentAPIKeyPBKDF2Rounds,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]string{
			"agent_id":  result.AgentID,
			"api_key":   result.PlaintextAPIKey,
			"created_at": result.CreatedAt.Format(time.RFC3339),
		})
	}
}

func handleBountyGet(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		b, err := d.BountyStore.Get(r.Context(), id)
		if err != nil {
			httputil.NotFound(w, "bounty not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, b)
	}
}

func handleBountyMarkPaid(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req struct {
			PaidTxHash string `json:"paid_tx_hash"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		b, err := d.BountyStore.Get(r.Context(), id)
		if err != nil {
			httputil.NotFound(w, "bounty not found")
			return
		}

		ledgerStore := ledger.NewStore(d.DB)
		remaining, err := ledgerStore.ProjectLedgerBalance(r.Context(), b.ProjectID)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		today, month, err := ledgerStore.ExpenseSpentTotals(r.Context(), b.ProjectID)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}

		maxAge := time.Duration(d.Cfg.ReconciliationMaxAgeSeconds) * time.Second
		result, err := bounty.MarkPaid(r.Context(), d.DB, d.BountyStore, d.ReconcileStore, bounty.MarkPaidInput{
			BountyID:                  id,
			PaidTxHash:                req.PaidTxHash,
			RemainingCapitalMicroUSDC: &remaining,
			Caps: policy.SpendCaps{
				PerTxMicroUSDC:  microFromUSDC(d.Cfg.SpendCapPerTxUSDC),
				PerDayMicroUSDC: microFromUSDC(d.Cfg.SpendCapDailyUSDC),
			},
			Spent:  policy.SpentTotals{TodayMicroUSDC: today, MonthMicroUSDC: month},
			MaxAge: maxAge,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if !result.Success {
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
				"success":        false,
				"blocked_reason": result.BlockedReason,
			})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "paid": true})
	}
}

func handleSurfaceCommit(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.PathValue("id")
		a, _ := agentFromContext(r.Context())
		var req struct {
			Payload        map[string]interface{} `json:"payload"`
			IdempotencyKey string                  `json:"idempotency_key"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		payload, err := encodeJSON(req.Payload)
		if err != nil {
			httputil.BadRequest(w, "invalid payload")
			return
		}
		task, created, err := d.GitOutboxStore.Enqueue(r.Context(), gitoutbox.EnqueueInput{
			TaskType: gitoutbox.TaskSurfaceCommit, PayloadJSON: payload,
			ProjectID: projectID, RequestedByAgentID: a.AgentID, IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httputil.WriteJSON(w, status, task)
	}
}

func handleBackendArtifactCommit(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.PathValue("id")
		a, _ := agentFromContext(r.Context())
		var req struct {
			Payload        map[string]interface{} `json:"payload"`
			IdempotencyKey string                  `json:"idempotency_key"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		payload, err := encodeJSON(req.Payload)
		if err != nil {
			httputil.BadRequest(w, "invalid payload")
			return
		}
		task, created, err := d.GitOutboxStore.Enqueue(r.Context(), gitoutbox.EnqueueInput{
			TaskType: gitoutbox.TaskBackendArtifactCommit, PayloadJSON: payload,
			ProjectID: projectID, RequestedByAgentID: a.AgentID, IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httputil.WriteJSON(w, status, task)
	}
}

func microFromUSDC(usdc float64) int64 {
	return int64(usdc * 1_000_000)
}

func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
