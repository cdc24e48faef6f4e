package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dao-autonomy/control-plane/internal/chain"
	"github.com/dao-autonomy/control-plane/internal/githost"
	"github.com/dao-autonomy/control-plane/internal/gitoutbox"
	"github.com/dao-autonomy/control-plane/internal/txoutbox"
)

// txOutboxDrainBatch bounds how many tasks one tick claims from the tx
// outbox, so a backlog spreads across ticks instead of making one tick run
// unbounded.
const txOutboxDrainBatch = 10

// gitOutboxDrainBatch is smaller than txOutboxDrainBatch because each git
// outbox task shells out to git/gh, an order of magnitude slower than an
// RPC call.
const gitOutboxDrainBatch = 5

// defaultGitMergePolicy gates auto_merge tasks until CI passes and the PR
// has at least one approval; nothing in this module's config exposes a way
// to change it yet.
var defaultGitMergePolicy = gitoutbox.MergePolicy{
	RequiredChecks:    []string{"ci"},
	RequiredApprovals: 1,
	RequireNonDraft:   true,
}

// drainTxOutbox claims and executes up to txOutboxDrainBatch tx outbox
// tasks: claim -> build the on-chain call -> submit via o.Signer ->
// UpdateTxHash -> Complete. A task that fails to submit is completed as
// failed rather than left claimed, so it is visible in the next Latest
// read instead of silently retried forever.
func (o *Orchestrator) drainTxOutbox(ctx context.Context) (processed, failed int, err error) {
	lockTTL := time.Duration(o.Cfg.TxOutboxLockTTLSeconds) * time.Second
	for i := 0; i < txOutboxDrainBatch; i++ {
		task, ok, claimErr := o.TxOutboxStore.ClaimNext(ctx, "autonomy-tick", lockTTL)
		if claimErr != nil {
			if errors.Is(claimErr, txoutbox.ErrRaceLost) {
				continue
			}
			return processed, failed, claimErr
		}
		if !ok {
			break
		}
		if execErr := o.executeTxOutboxTask(ctx, task); execErr != nil {
			failed++
			_ = o.TxOutboxStore.Complete(ctx, task.TaskID, txoutbox.StatusFailed, truncateHint(execErr.Error()))
			continue
		}
		processed++
	}
	return processed, failed, nil
}

func (o *Orchestrator) executeTxOutboxTask(ctx context.Context, task txoutbox.Task) error {
	call, err := o.buildContractCall(task)
	if err != nil {
		return fmt.Errorf("build call for %s: %w", task.TaskType, err)
	}
	txHash, err := o.Signer.Submit(ctx, call)
	if err != nil {
		return fmt.Errorf("submit %s: %w", task.TaskType, err)
	}
	if err := o.TxOutboxStore.UpdateTxHash(ctx, task.TaskID, txHash); err != nil {
		return err
	}
	return o.TxOutboxStore.Complete(ctx, task.TaskID, txoutbox.StatusSucceeded, "")
}

// buildContractCall turns one claimed tx outbox task into the
// chain.ContractCall its TaskType calls for.
func (o *Orchestrator) buildContractCall(task txoutbox.Task) (chain.ContractCall, error) {
	switch task.TaskType {
	case txoutbox.TaskCreateDistribution:
		var p struct {
			ProfitMonthID      string `json:"profit_month_id"`
			ProfitSumMicroUSDC int64  `json:"profit_sum_micro_usdc"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
			return chain.ContractCall{}, err
		}
		return chain.EncodeCreateDistributionCall(o.Cfg.DividendDistributorAddress, p.ProfitMonthID, p.ProfitSumMicroUSDC)

	case txoutbox.TaskExecuteDistribution:
		var p struct {
			ProfitMonthID string `json:"profit_month_id"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
			return chain.ContractCall{}, err
		}
		return chain.EncodeExecuteDistributionCall(o.Cfg.DividendDistributorAddress, p.ProfitMonthID)

	case txoutbox.TaskDepositProfit:
		var p struct {
			AmountMicroUSDC int64 `json:"amount_micro_usdc"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
			return chain.ContractCall{}, err
		}
		return chain.EncodeERC20TransferCall(o.Cfg.USDCAddress, o.Cfg.DividendDistributorAddress, p.AmountMicroUSDC), nil

	case txoutbox.TaskDepositMarketingFee:
		var p struct {
			AmountMicroUSDC int64 `json:"amount_micro_usdc"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
			return chain.ContractCall{}, err
		}
		return chain.EncodeERC20TransferCall(o.Cfg.USDCAddress, o.Cfg.MarketingTreasuryAddr, p.AmountMicroUSDC), nil

	case txoutbox.TaskUSDCTransfer:
		var p struct {
			ToAddress       string `json:"to_address"`
			AmountMicroUSDC int64  `json:"amount_micro_usdc"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
			return chain.ContractCall{}, err
		}
		return chain.EncodeERC20TransferCall(o.Cfg.USDCAddress, p.ToAddress, p.AmountMicroUSDC), nil

	default:
		return chain.ContractCall{}, fmt.Errorf("tx outbox: unknown task type %q", task.TaskType)
	}
}

// drainGitOutbox is drainTxOutbox's counterpart for repo tasks: claim ->
// dispatch to o.GitHost by TaskType -> RecordResult -> Complete.
func (o *Orchestrator) drainGitOutbox(ctx context.Context) (processed, failed int, err error) {
	lockTTL := time.Duration(o.Cfg.GitOutboxLockTTLSeconds) * time.Second
	for i := 0; i < gitOutboxDrainBatch; i++ {
		task, ok, claimErr := o.GitOutboxStore.ClaimNext(ctx, "autonomy-tick", lockTTL)
		if claimErr != nil {
			if errors.Is(claimErr, gitoutbox.ErrRaceLost) {
				continue
			}
			return processed, failed, claimErr
		}
		if !ok {
			break
		}
		if execErr := o.executeGitOutboxTask(ctx, task); execErr != nil {
			failed++
			_ = o.GitOutboxStore.Complete(ctx, task.TaskID, gitoutbox.StatusFailed, truncateHint(execErr.Error()))
			continue
		}
		processed++
	}
	return processed, failed, nil
}

func (o *Orchestrator) executeGitOutboxTask(ctx context.Context, task gitoutbox.Task) error {
	switch task.TaskType {
	case gitoutbox.TaskSurfaceCommit, gitoutbox.TaskBackendArtifactCommit:
		var in githost.CommitInput
		if err := json.Unmarshal(task.PayloadJSON, &in); err != nil {
			return err
		}
		result, err := o.GitHost.Commit(ctx, in)
		if err != nil {
			return err
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if err := o.GitOutboxStore.RecordResult(ctx, task.TaskID, result.BranchName, result.CommitSHA, resultJSON); err != nil {
			return err
		}
		return o.GitOutboxStore.Complete(ctx, task.TaskID, gitoutbox.StatusSucceeded, "")

	case gitoutbox.TaskOpenPR:
		var in githost.PROpenInput
		if err := json.Unmarshal(task.PayloadJSON, &in); err != nil {
			return err
		}
		result, err := o.GitHost.OpenPR(ctx, in)
		if err != nil {
			return err
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return err
		}
		if err := o.GitOutboxStore.RecordResult(ctx, task.TaskID, in.BranchName, "", resultJSON); err != nil {
			return err
		}
		return o.GitOutboxStore.Complete(ctx, task.TaskID, gitoutbox.StatusSucceeded, "")

	case gitoutbox.TaskAutoMerge:
		var p struct {
			RepoDir  string `json:"repo_dir"`
			PRNumber int    `json:"pr_number"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &p); err != nil {
			return err
		}
		state, err := o.GitHost.CheckStatus(ctx, p.RepoDir, p.PRNumber)
		if err != nil {
			return err
		}
		ok, hint := defaultGitMergePolicy.Evaluate(gitoutbox.CheckState{
			PassingChecks: state.PassingChecks, Approvals: state.Approvals, IsDraft: state.IsDraft,
		})
		if !ok {
			return o.GitOutboxStore.Complete(ctx, task.TaskID, gitoutbox.StatusBlocked, hint)
		}
		if err := o.GitHost.Merge(ctx, p.RepoDir, p.PRNumber); err != nil {
			return err
		}
		return o.GitOutboxStore.Complete(ctx, task.TaskID, gitoutbox.StatusSucceeded, "")

	default:
		return fmt.Errorf("git outbox: unknown task type %q", task.TaskType)
	}
}

const maxErrorHintLen = 500

func truncateHint(s string) string {
	if len(s) > maxErrorHintLen {
		return s[:maxErrorHintLen]
	}
	return s
}
