// Package autonomy implements the single-run orchestrator (C11): given a
// profit month and a set of feature flags, it drives the indexer, ledger,
// reconciler, settlement engine, and both outboxes through one idempotent
// pass and reports a machine-readable summary plus stage progress lines.
package autonomy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dao-autonomy/control-plane/internal/chain"
	"github.com/dao-autonomy/control-plane/internal/config"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/githost"
	"github.com/dao-autonomy/control-plane/internal/indexer"
	"github.com/dao-autonomy/control-plane/internal/ledger"
	"github.com/dao-autonomy/control-plane/internal/marketing"
	"github.com/dao-autonomy/control-plane/internal/reconcile"
	"github.com/dao-autonomy/control-plane/internal/settlement"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
	"github.com/dao-autonomy/control-plane/pkg/logger"
	"github.com/dao-autonomy/control-plane/pkg/metrics"
)

// ExitCode mirrors the orchestrator's process exit codes.
type ExitCode int

const (
	ExitSuccess              ExitCode = 0
	ExitRunnerError          ExitCode = 1
	ExitSettlementFailed     ExitCode = 2
	ExitReconcileFailed      ExitCode = 3
	ExitReconcileBlocked     ExitCode = 4
	ExitCreateStageFailed    ExitCode = 5
	ExitCreateStageBlocked   ExitCode = 6
	ExitExecuteStageFailed   ExitCode = 7
	ExitExecuteStageBlocked  ExitCode = 8
	ExitPayoutPending        ExitCode = 10
)

// StageStatus is the value emitted on the stage=<name> status=<...> stderr
// progress lines.
type StageStatus string

const (
	StageStart   StageStatus = "start"
	StageOK      StageStatus = "ok"
	StageBlocked StageStatus = "blocked"
	StageError   StageStatus = "error"
)

// StageReport records one step's outcome for the tick summary.
type StageReport struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Summary is the single JSON object the orchestrator writes to stdout per
// tick.
type Summary struct {
	ProfitMonthID      string        `json:"profit_month_id"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	Stages             []StageReport `json:"stages"`
	IndexerTransfersNew int          `json:"indexer_transfers_new"`
	MarketingPendingDelta int64      `json:"marketing_pending_delta_micro_usdc"`
	ProfitSumMicroUSDC  int64        `json:"profit_sum_micro_usdc"`
	ReconciliationReady bool         `json:"reconciliation_ready"`
	CreateEnqueued      bool         `json:"create_distribution_enqueued"`
	ExecuteEnqueued     bool         `json:"execute_distribution_enqueued"`
	ExitCode            int          `json:"exit_code"`
}

// Orchestrator wires the stores and chain/gate dependencies TickOnce needs.
// cmd/autonomy and cmd/apiserver both construct one and call TickOnce.
type Orchestrator struct {
	DB       *sql.DB
	Cfg      *config.Config
	Log      *logger.Logger
	Chain    *chain.Client
	Signer   chain.Signer
	Indexer  indexer.LogFetcher

	LedgerStore     *ledger.Store
	ReconcileStore  *reconcile.Store
	SettlementStore *settlement.Store
	TxOutboxStore   *txoutbox.Store
	GitOutboxStore  *gitoutbox.Store
	MarketingStore  *marketing.Store
	GitHost         githost.Host

	Stderr io.Writer
}

// balanceReaderClient returns o.Chain as an indexer.BalanceReader, or nil
// if no RPC endpoint is configured, so reconciliation and the
// deposit_profit shortfall check fall back to the indexer's observed-sum
// when there is nothing to call out to.
func (o *Orchestrator) balanceReaderClient() indexer.BalanceReader {
	if o.Cfg.BaseSepoliaRPCURL == "" || o.Chain == nil {
		return nil
	}
	return o.Chain
}

// chainBalanceReader adapts the observed-transfer table and, when an RPC
// endpoint is configured, a live chain balance read to reconcile.BalanceReader
// for the platform-wide treasury scope.
type chainBalanceReader struct {
	db          *sql.DB
	ledger      *ledger.Store
	chain       indexer.BalanceReader
	chainID     int64
	usdcAddress string
	address     string
}

func (r chainBalanceReader) LedgerBalance(ctx context.Context, scopeKey string) (int64, error) {
	return r.ledger.PlatformLedgerBalance(ctx)
}

func (r chainBalanceReader) OnchainBalance(ctx context.Context, scopeKey string) (int64, error) {
	return indexer.OnchainBalance(ctx, r.db, r.chain, r.chainID, r.usdcAddress, r.address)
}

// projectBalanceReader is chainBalanceReader's per-project counterpart: the
// ledger side reads one project's balance and the chain side reads its own
// treasury_address rather than the platform treasury.
type projectBalanceReader struct {
	db              *sql.DB
	ledger          *ledger.Store
	chain           indexer.BalanceReader
	chainID         int64
	usdcAddress     string
	projectID       string
	treasuryAddress string
}

func (r projectBalanceReader) LedgerBalance(ctx context.Context, scopeKey string) (int64, error) {
	return r.ledger.ProjectLedgerBalance(ctx, r.projectID)
}

func (r projectBalanceReader) OnchainBalance(ctx context.Context, scopeKey string) (int64, error) {
	return indexer.OnchainBalance(ctx, r.db, r.chain, r.chainID, r.usdcAddress, r.treasuryAddress)
}

func (o *Orchestrator) logStage(name string, status StageStatus, detail string) {
	line := fmt.Sprintf("stage=%s status=%s", name, status)
	if detail != "" {
		line += fmt.Sprintf(" detail=%s", detail)
	}
	fmt.Fprintln(o.Stderr, line)
}

// TickOnce runs the 7-step orchestration for profitMonthID and returns the
// resulting Summary plus the ExitCode the caller should exit with. Every
// step is idempotent: rerunning TickOnce for the same month after a
// partial failure resumes safely because every write underneath is keyed
// by a deterministic idempotency key.
func (o *Orchestrator) TickOnce(ctx context.Context, profitMonthID string) (Summary, ExitCode) {
	start := time.Now()
	summary := Summary{ProfitMonthID: profitMonthID, StartedAt: start}
	timer := prometheusTimer()
	defer timer()

	stage := func(name string, fn func() (StageStatus, string, error)) (StageStatus, error) {
		o.logStage(name, StageStart, "")
		status, detail, err := fn()
		o.logStage(name, status, detail)
		summary.Stages = append(summary.Stages, StageReport{Name: name, Status: string(status), Detail: detail})
		return status, err
	}

	// Step 1: indexer tick.
	if o.Indexer != nil && o.Cfg.USDCAddress != "" {
		status, err := stage("indexer_tick", func() (StageStatus, string, error) {
			res, err := indexer.Scan(ctx, o.DB, o.Indexer, indexer.ScanInput{
				ChainID:       o.Cfg.ChainID,
				TokenAddress:  o.Cfg.USDCAddress,
				MaxBlockRange: o.Cfg.IndexerBatchBlocks,
			})
			if err != nil {
				return StageError, err.Error(), err
			}
			summary.IndexerTransfersNew = res.TransfersNew
			return StageOK, fmt.Sprintf("new=%d", res.TransfersNew), nil
		})
		if err != nil {
			summary.FinishedAt = time.Now()
			summary.ExitCode = int(ExitRunnerError)
			_ = status
			return summary, ExitRunnerError
		}
	}

	// Step 2: marketing fee settlement deposit (accrual itself happens at
	// event-ingestion time via the oracle API; here we only reconcile the
	// outstanding accrued-vs-sent delta).
	if o.Cfg.MarketingTreasuryAddr != "" {
		stage("marketing_deposit_sync", func() (StageStatus, string, error) {
			result, err := marketing.SettleDeposit(ctx, o.MarketingStore, o.TxOutboxStore, o.Cfg.MarketingTreasuryAddr)
			if err != nil {
				return StageError, err.Error(), err
			}
			summary.MarketingPendingDelta = result.PendingDelta
			if result.AlreadyFunded {
				return StageOK, "already_funded", nil
			}
			return StageOK, fmt.Sprintf("enqueued=%d", result.PendingDelta), nil
		})
	}

	// Step 3: platform-wide reconciliation. This is the tick's blocking
	// scope: a platform mismatch stops the pipeline before any spend
	// decision is made.
	rpcConfigured := o.Cfg.BaseSepoliaRPCURL != ""
	var platformReport reconcile.Report
	status, err := stage("platform_reconciliation", func() (StageStatus, string, error) {
		reader := chainBalanceReader{
			db: o.DB, ledger: o.LedgerStore, chain: o.balanceReaderClient(),
			chainID: o.Cfg.ChainID, usdcAddress: o.Cfg.USDCAddress, address: o.Cfg.MarketingTreasuryAddr,
		}
		treasuryConfigured := o.Cfg.DividendDistributorAddress != ""
		platformReport = reconcile.Compute(ctx, reader, reconcile.ScopePlatform, "platform", treasuryConfigured, rpcConfigured)
		if err := o.ReconcileStore.Save(ctx, platformReport); err != nil {
			return StageError, err.Error(), err
		}
		metrics.ReconciliationRunsTotal.WithLabelValues("platform", outcomeLabel(platformReport)).Inc()
		if !platformReport.Ready {
			return StageBlocked, string(platformReport.BlockedReason), nil
		}
		return StageOK, "", nil
	})
	summary.ReconciliationReady = platformReport.Ready
	if err != nil {
		return o.finish(summary, ExitReconcileFailed)
	}
	if status == StageBlocked {
		return o.finish(summary, ExitReconcileBlocked)
	}

	// Step 3b: per-project reconciliation. bounty.MarkPaid gates on a fresh
	// ScopeProject report for the bounty's own project, so every project
	// with a treasury_address gets one computed here; a single project's
	// failure to reconcile only leaves that project's bounties blocked, it
	// never holds up the platform-wide distribution pipeline below.
	stage("project_reconciliation", func() (StageStatus, string, error) {
		projects, listErr := o.LedgerStore.ListProjectsWithTreasury(ctx)
		if listErr != nil {
			return StageError, listErr.Error(), listErr
		}
		var ready int
		for _, p := range projects {
			reader := projectBalanceReader{
				db: o.DB, ledger: o.LedgerStore, chain: o.balanceReaderClient(),
				chainID: o.Cfg.ChainID, usdcAddress: o.Cfg.USDCAddress,
				projectID: p.ProjectID, treasuryAddress: p.TreasuryAddress,
			}
			report := reconcile.Compute(ctx, reader, reconcile.ScopeProject, p.ProjectID, true, rpcConfigured)
			if saveErr := o.ReconcileStore.Save(ctx, report); saveErr != nil {
				o.logStage("project_reconciliation", StageError, fmt.Sprintf("project=%s err=%s", p.ProjectID, saveErr.Error()))
				continue
			}
			metrics.ReconciliationRunsTotal.WithLabelValues("project", outcomeLabel(report)).Inc()
			if report.Ready {
				ready++
			}
		}
		return StageOK, fmt.Sprintf("projects=%d ready=%d", len(projects), ready), nil
	})

	// Step 4: platform settlement.
	var st settlement.Settlement
	status, err = stage("settlement", func() (StageStatus, string, error) {
		revenue, expense, _, sumErr := o.LedgerStore.MonthlySums(ctx, profitMonthID)
		if sumErr != nil {
			return StageError, sumErr.Error(), sumErr
		}
		st = settlement.Compute(profitMonthID, revenue, expense)
		if saveErr := o.SettlementStore.Save(ctx, st); saveErr != nil {
			return StageError, saveErr.Error(), saveErr
		}
		summary.ProfitSumMicroUSDC = st.ProfitSumMicroUSDC
		if !st.ProfitNonnegative {
			return StageBlocked, "negative_profit", nil
		}
		return StageOK, fmt.Sprintf("profit=%d", st.ProfitSumMicroUSDC), nil
	})
	if err != nil {
		return o.finish(summary, ExitSettlementFailed)
	}

	// Step 5: create_distribution / deposit_profit / marketing-deposit
	// enqueue, gated on platform reconciliation being ready and profit
	// being positive.
	if status == StageOK && platformReport.Ready {
		_, err = stage("create_distribution_enqueue", func() (StageStatus, string, error) {
			idempotencyKey := fmt.Sprintf("create_distribution:%s", profitMonthID)
			createStatus, createErr := o.SettlementStore.CreateDistribution(ctx, idempotencyKey, profitMonthID, st.ProfitSumMicroUSDC)
			if createErr != nil {
				return StageError, createErr.Error(), createErr
			}
			summary.CreateEnqueued = createStatus == settlement.CreationPending
			payload := []byte(fmt.Sprintf(`{"profit_month_id":%q,"profit_sum_micro_usdc":%d}`, profitMonthID, st.ProfitSumMicroUSDC))
			if _, _, taskErr := o.TxOutboxStore.Enqueue(ctx, txoutbox.TaskCreateDistribution, payload, idempotencyKey); taskErr != nil {
				return StageError, taskErr.Error(), taskErr
			}

			// Top up the distributor's own USDC balance before
			// execute_distribution can pay anyone out of it.
			if o.Cfg.DividendDistributorAddress != "" && o.Cfg.USDCAddress != "" {
				currentBalance, balErr := indexer.OnchainBalance(ctx, o.DB, o.balanceReaderClient(), o.Cfg.ChainID, o.Cfg.USDCAddress, o.Cfg.DividendDistributorAddress)
				if balErr != nil {
					return StageError, balErr.Error(), balErr
				}
				if shortfall := st.ProfitSumMicroUSDC - currentBalance; shortfall > 0 {
					depositKey := fmt.Sprintf("deposit_profit:%s", profitMonthID)
					depositPayload := []byte(fmt.Sprintf(`{"profit_month_id":%q,"amount_micro_usdc":%d}`, profitMonthID, shortfall))
					if _, _, taskErr := o.TxOutboxStore.Enqueue(ctx, txoutbox.TaskDepositProfit, depositPayload, depositKey); taskErr != nil {
						return StageError, taskErr.Error(), taskErr
					}
				}
			}
			return StageOK, string(createStatus), nil
		})
		if err != nil {
			return o.finish(summary, ExitCreateStageFailed)
		}
	} else {
		summary.Stages = append(summary.Stages, StageReport{Name: "create_distribution_enqueue", Status: string(StageBlocked), Detail: "profit_not_ready"})
		return o.finish(summary, ExitCreateStageBlocked)
	}

	// Step 6: execute_distribution payload synthesis. Authors are every
	// project with positive profit this month, weighted by that profit and
	// paid to its treasury_address; there is no staker registry in this
	// schema yet so the staker vector is always empty and the full
	// profit_sum is allocated across authors, with the stakers portion
	// deferred until a staking pool exists to weight against.
	idempotencyKey := fmt.Sprintf("execute_distribution:%s", profitMonthID)
	status, err = stage("execute_distribution_enqueue", func() (StageStatus, string, error) {
		authors, buildErr := o.buildAuthorRecipients(ctx, profitMonthID, st.ProfitSumMicroUSDC)
		if buildErr != nil {
			return StageError, buildErr.Error(), buildErr
		}
		if len(authors) == 0 {
			return StageBlocked, "no_author_recipients", nil
		}
		if valErr := settlement.ValidateRecipients(nil, authors, st.ProfitSumMicroUSDC); valErr != nil {
			return StageBlocked, valErr.Error(), nil
		}

		authorsJSON, marshalErr := json.Marshal(authors)
		if marshalErr != nil {
			return StageError, marshalErr.Error(), marshalErr
		}
		execStatus, execErr := o.SettlementStore.ExecuteDistribution(ctx, idempotencyKey, profitMonthID, []byte(`[]`), authorsJSON)
		if execErr != nil {
			return StageError, execErr.Error(), execErr
		}

		payload := []byte(fmt.Sprintf(`{"profit_month_id":%q,"profit_sum_micro_usdc":%d,"authors":%s}`, profitMonthID, st.ProfitSumMicroUSDC, authorsJSON))
		if _, _, taskErr := o.TxOutboxStore.Enqueue(ctx, txoutbox.TaskExecuteDistribution, payload, idempotencyKey); taskErr != nil {
			return StageError, taskErr.Error(), taskErr
		}
		summary.ExecuteEnqueued = execStatus == settlement.ExecutionPending
		return StageOK, fmt.Sprintf("authors=%d", len(authors)), nil
	})
	if err != nil {
		return o.finish(summary, ExitExecuteStageFailed)
	}
	if status == StageBlocked {
		return o.finish(summary, ExitExecuteStageBlocked)
	}

	// Step 6b/6c: drain both outboxes. Claiming, submitting, and
	// completing tasks runs best-effort here; a single bad task fails that
	// task (captured in its own detail line) without blocking the tick,
	// since confirm_payout below re-derives readiness from chain state
	// rather than from whether every task in the batch succeeded.
	if o.Cfg.TxOutboxEnabled {
		stage("tx_outbox_drain", func() (StageStatus, string, error) {
			processed, failed, drainErr := o.drainTxOutbox(ctx)
			if drainErr != nil {
				return StageError, drainErr.Error(), drainErr
			}
			return StageOK, fmt.Sprintf("processed=%d failed=%d", processed, failed), nil
		})
	}
	if o.Cfg.GitOutboxEnabled && o.GitOutboxStore != nil && o.GitHost != nil {
		stage("git_outbox_drain", func() (StageStatus, string, error) {
			processed, failed, drainErr := o.drainGitOutbox(ctx)
			if drainErr != nil {
				return StageError, drainErr.Error(), drainErr
			}
			return StageOK, fmt.Sprintf("processed=%d failed=%d", processed, failed), nil
		})
	}

	// Step 7: confirm/finalize payout status by reading chain state for any
	// outstanding submitted execute task.
	pending, err := o.hasPendingPayout(ctx, profitMonthID)
	if err != nil {
		summary.Stages = append(summary.Stages, StageReport{Name: "confirm_payout", Status: string(StageError), Detail: err.Error()})
		return o.finish(summary, ExitRunnerError)
	}
	if pending {
		summary.Stages = append(summary.Stages, StageReport{Name: "confirm_payout", Status: string(StageBlocked), Detail: "payout_pending"})
		return o.finish(summary, ExitPayoutPending)
	}
	summary.Stages = append(summary.Stages, StageReport{Name: "confirm_payout", Status: string(StageOK)})

	return o.finish(summary, ExitSuccess)
}

func (o *Orchestrator) finish(summary Summary, code ExitCode) (Summary, ExitCode) {
	summary.FinishedAt = time.Now()
	summary.ExitCode = int(code)
	return summary, code
}

// maxAuthorRecipients mirrors settlement's own author cap; kept local so
// the truncation-by-profit-rank below can run before ValidateRecipients
// ever sees the vector.
const maxAuthorRecipients = 50

// buildAuthorRecipients weights every project with positive profit this
// month by its share of profitSum, keeping only the top
// maxAuthorRecipients by profit and handing the largest one whatever
// integer-division residue is left so the vector sums to exactly
// profitSum.
func (o *Orchestrator) buildAuthorRecipients(ctx context.Context, profitMonthID string, profitSum int64) ([]settlement.Recipient, error) {
	shares, err := o.LedgerStore.ProjectProfitShares(ctx, profitMonthID)
	if err != nil {
		return nil, err
	}

	eligible := make([]ledger.ProjectShare, 0, len(shares))
	for _, sh := range shares {
		if sh.TreasuryAddress != "" {
			eligible = append(eligible, sh)
		}
	}
	if len(eligible) > maxAuthorRecipients {
		eligible = eligible[:maxAuthorRecipients]
	}
	if len(eligible) == 0 || profitSum <= 0 {
		return nil, nil
	}

	var totalProfit int64
	for _, sh := range eligible {
		totalProfit += sh.ProfitMicroUSDC
	}
	if totalProfit <= 0 {
		return nil, nil
	}

	recipients := make([]settlement.Recipient, len(eligible))
	var allocated int64
	largestIdx := 0
	for i, sh := range eligible {
		share := profitSum * sh.ProfitMicroUSDC / totalProfit
		recipients[i] = settlement.Recipient{Address: sh.TreasuryAddress, ShareMicroUSDC: share}
		allocated += share
		if sh.ProfitMicroUSDC > eligible[largestIdx].ProfitMicroUSDC {
			largestIdx = i
		}
	}
	recipients[largestIdx].ShareMicroUSDC += profitSum - allocated
	return recipients, nil
}

// hasPendingPayout reports whether profitMonthID's distribution has been
// created on-chain but not yet executed. When the distributor contract and
// RPC endpoint are configured it reads that directly from chain state via
// GetDistribution; otherwise it falls back to the tx outbox's own queue
// depth as a proxy for "something is still in flight".
func (o *Orchestrator) hasPendingPayout(ctx context.Context, profitMonthID string) (bool, error) {
	if o.Chain != nil && o.Cfg.DividendDistributorAddress != "" && o.Cfg.BaseSepoliaRPCURL != "" {
		exists, distributed, err := o.Chain.GetDistribution(ctx, o.Cfg.DividendDistributorAddress, profitMonthID)
		if err != nil {
			return false, err
		}
		return exists && !distributed, nil
	}
	depth, err := o.TxOutboxStore.QueueDepth(ctx, txoutbox.StatusProcessing)
	if err != nil {
		return false, err
	}
	return depth > 0, nil
}

func outcomeLabel(r reconcile.Report) string {
	if r.Ready {
		return "ready"
	}
	if r.BlockedReason == reconcile.ReasonNone {
		return "blocked"
	}
	return string(r.BlockedReason)
}

func prometheusTimer() func() {
	start := time.Now()
	return func() {
		metrics.AutonomyTickDuration.Observe(time.Since(start).Seconds())
	}
}

// WriteSummary marshals summary as the one-line machine-readable JSON
// report written to stdout.
func WriteSummary(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	return enc.Encode(summary)
}
