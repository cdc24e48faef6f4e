// Package indexer scans watched addresses for inbound ERC-20 USDC
// transfers and records them as the ledger-independent source of truth
// reconciliation compares against. It advances a
// per-chain cursor transactionally with the rows it inserts, so a crash
// mid-scan replays the same block range rather than skipping it.
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/dao-autonomy/control-plane/internal/chain"
)

// CursorKey names the logical stream a cursor tracks. Every scan uses this
// one key, so there is a single cursor per chain, whatever watched-address
// set the caller passes.
const CursorKey = "usdc_transfers"

// LogFetcher is the subset of chain.Client the indexer depends on, so
// tests can substitute a fake without a live RPC endpoint.
type LogFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransferLogs(ctx context.Context, tokenAddress string, fromBlock, toBlock uint64) ([]chain.Log, error)
}

// Store persists observed transfers and the scan cursor.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for indexer persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Cursor returns the last block number scanned for chainID, or 0 if the
// chain has never been scanned.
func (s *Store) Cursor(ctx context.Context, chainID int64) (uint64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_block_number FROM indexer_cursors WHERE cursor_key = $1 AND chain_id = $2`,
		CursorKey, chainID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read indexer cursor: %w", err)
	}
	return uint64(last), nil
}

// Result summarizes one scan pass.
type Result struct {
	FromBlock      uint64
	ToBlock        uint64
	TransfersFound int
	TransfersNew   int
}

// ScanInput parameterizes one indexer tick.
type ScanInput struct {
	ChainID          int64
	TokenAddress     string
	WatchedAddresses map[string]bool
	MaxBlockRange    uint64
}

// Scan advances the cursor for chainID by fetching Transfer logs from the
// last recorded block up to the chain head (capped at MaxBlockRange
// blocks per call so a long-idle indexer doesn't request an unbounded
// range in one call), keeping only transfers where the from_address or the
// to_address is in WatchedAddresses (a watched treasury's outbound
// payments matter for reconciliation just as much as its deposits; an
// empty WatchedAddresses keeps every transfer), and
// persisting the new rows plus the advanced cursor in one transaction:
// indexer progress and the rows it produced commit together or not at
// all.
func Scan(ctx context.Context, db *sql.DB, fetcher LogFetcher, in ScanInput) (Result, error) {
	store := NewStore(db)
	fromBlock, err := store.Cursor(ctx, in.ChainID)
	if err != nil {
		return Result{}, err
	}
	if fromBlock > 0 {
		fromBlock++
	}

	head, err := fetcher.BlockNumber(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read chain head: %w", err)
	}
	if head < fromBlock {
		return Result{FromBlock: fromBlock, ToBlock: fromBlock}, nil
	}

	toBlock := head
	if in.MaxBlockRange > 0 && toBlock-fromBlock+1 > in.MaxBlockRange {
		toBlock = fromBlock + in.MaxBlockRange - 1
	}

	logs, err := fetcher.GetTransferLogs(ctx, in.TokenAddress, fromBlock, toBlock)
	if err != nil {
		return Result{}, fmt.Errorf("get transfer logs: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin indexer scan tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, l := range logs {
		toAddr, amount, ok := decodeTransfer(l)
		if !ok {
			continue
		}
		fromAddr := fromTopic(l)
		if len(in.WatchedAddresses) > 0 && !in.WatchedAddresses[toAddr] && !in.WatchedAddresses[fromAddr] {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO observed_usdc_transfers (chain_id, tx_hash, log_index, from_address, to_address, amount_micro_usdc, block_number)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
			in.ChainID, l.TxHash, l.LogIndex, fromAddr, toAddr, amount, l.BlockNumber)
		if err != nil {
			return Result{}, fmt.Errorf("insert observed transfer: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return Result{}, fmt.Errorf("rows affected: %w", err)
		}
		if rows > 0 {
			inserted++
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO indexer_cursors (cursor_key, chain_id, last_block_number)
		VALUES ($1,$2,$3)
		ON CONFLICT (cursor_key, chain_id) DO UPDATE SET last_block_number = $3, updated_at = now()`,
		CursorKey, in.ChainID, toBlock)
	if err != nil {
		return Result{}, fmt.Errorf("advance indexer cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit indexer scan: %w", err)
	}

	return Result{FromBlock: fromBlock, ToBlock: toBlock, TransfersFound: len(logs), TransfersNew: inserted}, nil
}

// BalanceSince sums observed transfer amounts into toAddress on chainID,
// the reconciliation side's on-chain balance reading (a BalanceReader
// grounded against observed transfers rather than a live
// eth_call so reconciliation never blocks on RPC availability beyond the
// indexer's own scan).
func BalanceSince(ctx context.Context, db *sql.DB, chainID int64, toAddress string) (int64, error) {
	var sum sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro_usdc),0) FROM observed_usdc_transfers
		WHERE chain_id = $1 AND to_address = $2`, chainID, toAddress).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum observed transfers: %w", err)
	}
	return sum.Int64, nil
}

// BalanceReader is the subset of chain.Client OnchainBalance depends on,
// so callers that haven't configured a live RPC client can pass nil.
type BalanceReader interface {
	BalanceOfERC20(ctx context.Context, tokenAddress, holder string) (*big.Int, error)
}

// OnchainBalance reads address's current token balance via a live
// eth_call through client when tokenAddress/client are configured,
// falling back to BalanceSince's indexer-observed sum otherwise so
// reconciliation still has a reading when no RPC endpoint is wired up
// (local development, or chains this deployment doesn't watch).
func OnchainBalance(ctx context.Context, db *sql.DB, client BalanceReader, chainID int64, tokenAddress, address string) (int64, error) {
	if client == nil || tokenAddress == "" {
		return BalanceSince(ctx, db, chainID, address)
	}
	bal, err := client.BalanceOfERC20(ctx, tokenAddress, address)
	if err != nil {
		return 0, fmt.Errorf("read onchain balance: %w", err)
	}
	if !bal.IsInt64() {
		return 0, fmt.Errorf("onchain balance for %s overflows int64", address)
	}
	return bal.Int64(), nil
}

func fromTopic(l chain.Log) string {
	if len(l.Topics) < 2 {
		return ""
	}
	return addressFromTopic(l.Topics[1])
}

// decodeTransfer extracts the recipient and amount from a Transfer log.
// Amounts above math.MaxInt64 are rejected rather than silently
// truncated; USDC's 6-decimal denomination makes this well beyond any
// real transfer, so a value that large indicates a malformed log.
func decodeTransfer(l chain.Log) (toAddress string, amountMicroUSDC int64, ok bool) {
	if len(l.Topics) < 3 {
		return "", 0, false
	}
	toAddress = addressFromTopic(l.Topics[2])

	h := strings.TrimPrefix(l.Data, "0x")
	if h == "" {
		return "", 0, false
	}
	amount, parsed := new(big.Int).SetString(h, 16)
	if !parsed || !amount.IsInt64() {
		return "", 0, false
	}
	return toAddress, amount.Int64(), true
}

// addressFromTopic extracts the low 20 bytes (40 hex chars) of a
// 32-byte indexed address topic.
func addressFromTopic(topic string) string {
	h := topic
	if len(h) > 2 && h[:2] == "0x" {
		h = h[2:]
	}
	if len(h) < 40 {
		return "0x" + h
	}
	return "0x" + h[len(h)-40:]
}

