package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dao-autonomy/control-plane/internal/chain"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/httputil"
	"github.com/dao-autonomy/control-plane/internal/indexer"
	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/marketing"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/dao-autonomy/control-plane/internal/settlement"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
)

// registerOracleRoutes mounts every endpoint of the oracle API onto mux.
// Handlers are reached only after oracleauth.Gate.Middleware has verified
// the request, so they do not re-check the signature themselves.
func registerOracleRoutes(mux *http.ServeMux, d *Deps) {
	mux.HandleFunc("POST /api/v1/oracle/revenue-events", handleAppendRevenue(d))
	mux.HandleFunc("POST /api/v1/oracle/expense-events", handleAppendExpense(d))
	mux.HandleFunc("POST /api/v1/oracle/project-capital-events", handleAppendCapital(d))

	mux.HandleFunc("POST /api/v1/oracle/settlement/{month}", handleComputeSettlement(d))
	mux.HandleFunc("POST /api/v1/oracle/reconciliation/{month}", handleComputeReconciliation(d))

	mux.HandleFunc("POST /api/v1/oracle/distributions/{month}/create", handleCreateDistribution(d))
	mux.HandleFunc("POST /api/v1/oracle/distributions/{month}/execute", handleExecuteDistribution(d))

	mux.HandleFunc("POST /api/v1/oracle/tx-outbox", handleTxOutboxEnqueue(d))
	mux.HandleFunc("POST /api/v1/oracle/tx-outbox/{id}/claim", handleTxOutboxClaim(d))
	mux.HandleFunc("POST /api/v1/oracle/tx-outbox/{id}/complete", handleTxOutboxComplete(d))
	mux.HandleFunc("POST /api/v1/oracle/tx-outbox/{id}/update", handleTxOutboxUpdate(d))

	mux.HandleFunc("POST /api/v1/oracle/git-outbox", handleGitOutboxEnqueue(d))
	mux.HandleFunc("POST /api/v1/oracle/git-outbox/{id}/claim", handleGitOutboxClaim(d))
	mux.HandleFunc("POST /api/v1/oracle/git-outbox/{id}/complete", handleGitOutboxComplete(d))

	mux.HandleFunc("POST /api/v1/oracle/billing/sync", handleBillingSync(d))
	mux.HandleFunc("POST /api/v1/oracle/project-capital-events/sync", handleCapitalSync(d))
	mux.HandleFunc("POST /api/v1/oracle/marketing/settlement/deposit", handleMarketingDeposit(d))

	mux.HandleFunc("GET /api/v1/oracle/audit", handleAuditList(d))
}

type revenueEventRequest struct {
	ProfitMonthID   string `json:"profit_month_id"`
	ProjectID       string `json:"project_id"`
	AmountMicroUSDC int64  `json:"amount_micro_usdc"`
	TxHash          string `json:"tx_hash"`
	Source          string `json:"source"`
	Category        string `json:"category"`
	IdempotencyKey  string `json:"idempotency_key"`
	EvidenceURL     string `json:"evidence_url"`
}

func handleAppendRevenue(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revenueEventRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		store := ledger.NewStore(d.DB)
		ev, created, err := store.AppendRevenue(r.Context(), ledger.RevenueEvent{
			ProfitMonthID: req.ProfitMonthID, ProjectID: req.ProjectID, AmountMicroUSDC: req.AmountMicroUSDC,
			TxHash: req.TxHash, Source: req.Source, Category: req.Category,
			IdempotencyKey: req.IdempotencyKey, EvidenceURL: req.EvidenceURL,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httputil.WriteJSON(w, status, ev)
	}
}

type expenseEventRequest struct {
	ProfitMonthID   string `json:"profit_month_id"`
	ProjectID       string `json:"project_id"`
	AmountMicroUSDC int64  `json:"amount_micro_usdc"`
	TxHash          string `json:"tx_hash"`
	Source          string `json:"source"`
	Category        string `json:"category"`
	IdempotencyKey  string `json:"idempotency_key"`
	EvidenceURL     string `json:"evidence_url"`
}

func handleAppendExpense(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req expenseEventRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		store := ledger.NewStore(d.DB)
		ev, created, err := store.AppendExpense(r.Context(), ledger.ExpenseEvent{
			ProfitMonthID: req.ProfitMonthID, ProjectID: req.ProjectID, AmountMicroUSDC: req.AmountMicroUSDC,
			TxHash: req.TxHash, Source: req.Source, Category: req.Category,
			IdempotencyKey: req.IdempotencyKey, EvidenceURL: req.EvidenceURL,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httputil.WriteJSON(w, status, ev)
	}
}

type capitalEventRequest struct {
	ProjectID      string `json:"project_id"`
	ProfitMonthID  string `json:"profit_month_id"`
	DeltaMicroUSDC int64  `json:"delta_micro_usdc"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key"`
	EvidenceTxHash string `json:"evidence_tx_hash"`
}

func handleAppendCapital(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req capitalEventRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		store := ledger.NewStore(d.DB)
		ev, created, err := store.AppendCapital(r.Context(), ledger.CapitalEvent{
			ProjectID: req.ProjectID, ProfitMonthID: req.ProfitMonthID, DeltaMicroUSDC: req.DeltaMicroUSDC,
			Source: req.Source, IdempotencyKey: req.IdempotencyKey, EvidenceTxHash: req.EvidenceTxHash,
		})
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httputil.WriteJSON(w, status, ev)
	}
}

func handleComputeSettlement(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		month := r.PathValue("month")
		ledgerStore := ledger.NewStore(d.DB)
		revenue, expense, _, err := ledgerStore.MonthlySums(r.Context(), month)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		st := settlement.Compute(month, revenue, expense)
		if err := d.SettlementStore.Save(r.Context(), st); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	}
}

// platformBalanceReader adapts the platform-wide ledger balance and the
// observed on-chain transfer log to reconcile.BalanceReader, the same
// pairing internal/autonomy uses for its own tick-driven reconciliation.
type platformBalanceReader struct {
	db          *sql.DB
	ledger      *ledger.Store
	chain       indexer.BalanceReader
	chainID     int64
	usdcAddress string
	address     string
}

func (r platformBalanceReader) LedgerBalance(ctx context.Context, scopeKey string) (int64, error) {
	return r.ledger.PlatformLedgerBalance(ctx)
}

func (r platformBalanceReader) OnchainBalance(ctx context.Context, scopeKey string) (int64, error) {
	return indexer.OnchainBalance(ctx, r.db, r.chain, r.chainID, r.usdcAddress, r.address)
}

func handleComputeReconciliation(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		month := r.PathValue("month")
		ledgerStore := ledger.NewStore(d.DB)
		var chainReader indexer.BalanceReader
		if d.Cfg.BaseSepoliaRPCURL != "" {
			chainReader = chain.NewClient(d.Cfg.BaseSepoliaRPCURL)
		}
		reader := platformBalanceReader{
			db: d.DB, ledger: ledgerStore, chain: chainReader,
			chainID: d.Cfg.ChainID, usdcAddress: d.Cfg.USDCAddress, address: d.Cfg.MarketingTreasuryAddr,
		}
		treasuryConfigured := d.Cfg.DividendDistributorAddress != ""
		rpcConfigured := d.Cfg.BaseSepoliaRPCURL != ""
		report := reconcile.Compute(r.Context(), reader, reconcile.ScopePlatform, month, treasuryConfigured, rpcConfigured)
		if err := d.ReconcileStore.Save(r.Context(), report); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, report)
	}
}

func handleCreateDistribution(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		month := r.PathValue("month")
		var req struct {
			IdempotencyKey     string `json:"idempotency_key"`
			ProfitSumMicroUSDC int64  `json:"profit_sum_micro_usdc"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		status, err := d.SettlementStore.CreateDistribution(r.Context(), req.IdempotencyKey, month, req.ProfitSumMicroUSDC)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	}
}

func handleExecuteDistribution(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		month := r.PathValue("month")
		var req struct {
			IdempotencyKey string   `json:"idempotency_key"`
			ProfitSum      int64    `json:"profit_sum_micro_usdc"`
			Stakers        []string `json:"stakers"`
			StakerShares   []int64  `json:"staker_shares"`
			Authors        []string `json:"authors"`
			AuthorShares   []int64  `json:"author_shares"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		stakers, err := settlement.ZipRecipients(req.Stakers, req.StakerShares)
		if err != nil {
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": false, "blocked_reason": err.Error()})
			return
		}
		authors, err := settlement.ZipRecipients(req.Authors, req.AuthorShares)
		if err != nil {
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": false, "blocked_reason": err.Error()})
			return
		}
		if err := settlement.ValidateRecipients(stakers, authors, req.ProfitSum); err != nil {
			httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": false, "blocked_reason": err.Error()})
			return
		}

		stakersJSON, _ := json.Marshal(stakers)
		authorsJSON, _ := json.Marshal(authors)
		status, err := d.SettlementStore.ExecuteDistribution(r.Context(), req.IdempotencyKey, month, stakersJSON, authorsJSON)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": string(status)})
	}
}

func handleTxOutboxEnqueue(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskType       string          `json:"task_type"`
			Payload        json.RawMessage `json:"payload"`
			IdempotencyKey string          `json:"idempotency_key"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		task, created, err := d.TxOutboxStore.Enqueue(r.Context(), txoutbox.TaskType(req.TaskType), req.Payload, req.IdempotencyKey)
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

func handleTxOutboxClaim(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkerID    string `json:"worker_id"`
			LockTTLSecs int    `json:"lock_ttl_seconds"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		ttl := req.LockTTLSecs
		if ttl <= 0 {
			ttl = d.Cfg.TxOutboxLockTTLSeconds
		}
		task, ok, err := d.TxOutboxStore.ClaimNext(r.Context(), req.WorkerID, time.Duration(ttl)*time.Second)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if !ok {
			httputil.WriteJSON(w, http.StatusOK, map[string]bool{"claimed": false})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}
}

func handleTxOutboxComplete(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req struct {
			Status    string `json:"status"`
			ErrorHint string `json:"error_hint"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if err := d.TxOutboxStore.Complete(r.Context(), id, txoutbox.Status(req.Status), req.ErrorHint); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleTxOutboxUpdate(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req struct {
			TxHash string `json:"tx_hash"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if err := d.TxOutboxStore.UpdateTxHash(r.Context(), id, req.TxHash); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleGitOutboxEnqueue(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskType           string          `json:"task_type"`
			Payload            json.RawMessage `json:"payload"`
			ProjectID          string          `json:"project_id"`
			BountyID           string          `json:"bounty_id"`
			RequestedByAgentID string          `json:"requested_by_agent_id"`
			IdempotencyKey     string          `json:"idempotency_key"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		task, created, err := d.GitOutboxStore.Enqueue(r.Context(), gitoutbox.EnqueueInput{
			TaskType: gitoutbox.TaskType(req.TaskType), PayloadJSON: req.Payload,
			ProjectID: req.ProjectID, BountyID: req.BountyID, RequestedByAgentID: req.RequestedByAgentID,
			IdempotencyKey: req.IdempotencyKey,
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

func handleGitOutboxClaim(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkerID    string `json:"worker_id"`
			LockTTLSecs int    `json:"lock_ttl_seconds"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		ttl := req.LockTTLSecs
		if ttl <= 0 {
			ttl = d.Cfg.GitOutboxLockTTLSeconds
		}
		task, ok, err := d.GitOutboxStore.ClaimNext(r.Context(), req.WorkerID, time.Duration(ttl)*time.Second)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if !ok {
			httputil.WriteJSON(w, http.StatusOK, map[string]bool{"claimed": false})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}
}

func handleGitOutboxComplete(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req struct {
			Status    string `json:"status"`
			ErrorHint string `json:"error_hint"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if err := d.GitOutboxStore.Complete(r.Context(), id, gitoutbox.Status(req.Status), req.ErrorHint); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleBillingSync(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Events []revenueEventRequest `json:"events"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		store := ledger.NewStore(d.DB)
		created := 0
		for _, ev := range req.Events {
			_, isNew, err := store.AppendRevenue(r.Context(), ledger.RevenueEvent{
				ProfitMonthID: ev.ProfitMonthID, ProjectID: ev.ProjectID, AmountMicroUSDC: ev.AmountMicroUSDC,
				TxHash: ev.TxHash, Source: ev.Source, Category: ev.Category,
				IdempotencyKey: ev.IdempotencyKey, EvidenceURL: ev.EvidenceURL,
			})
			if err != nil {
				httputil.InternalError(w, err.Error())
				return
			}
			if isNew {
				created++
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]int{"synced": len(req.Events), "created": created})
	}
}

func handleCapitalSync(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Events []capitalEventRequest `json:"events"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		store := ledger.NewStore(d.DB)
		created := 0
		for _, ev := range req.Events {
			_, isNew, err := store.AppendCapital(r.Context(), ledger.CapitalEvent{
				ProjectID: ev.ProjectID, ProfitMonthID: ev.ProfitMonthID, DeltaMicroUSDC: ev.DeltaMicroUSDC,
				Source: ev.Source, IdempotencyKey: ev.IdempotencyKey, EvidenceTxHash: ev.EvidenceTxHash,
			})
			if err != nil {
				httputil.InternalError(w, err.Error())
				return
			}
			if isNew {
				created++
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]int{"synced": len(req.Events), "created": created})
	}
}

func handleMarketingDeposit(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := marketing.SettleDeposit(r.Context(), d.MarketingStore, d.TxOutboxStore, d.Cfg.MarketingTreasuryAddr)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

func handleAuditList(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", 50)
		requestID := httputil.QueryString(r, "request_id", "")
		rows, err := d.AuditStore.Recent(r.Context(), requestID, limit)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rows)
	}
}
