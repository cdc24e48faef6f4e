// Package chain provides a minimal JSON-RPC client for the EVM chains the
// control plane settles against: reading ERC-20 Transfer logs, balances,
// and submitting signed raw transactions. It deliberately avoids a full
// go-ethereum dependency; the surface needed here is small and stable.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dao-autonomy/control-plane/internal/httputil"
	"github.com/dao-autonomy/control-plane/pkg/version"
)

const defaultRPCTimeout = 15 * time.Second

// TransferEventTopic0 is keccak256("Transfer(address,address,uint256)"),
// the topic every ERC-20 Transfer log carries.
const TransferEventTopic0 = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Client talks to a single EVM JSON-RPC endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   int
}

// NewClient returns a Client for the given JSON-RPC HTTP endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Transport: httputil.DefaultTransportWithMinTLS12(),
			Timeout:   defaultRPCTimeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// BlockNumber returns the latest block number known to the node.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", nil, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint(hexNum)
}

// Log is a single decoded JSON-RPC log entry.
type Log struct {
	Address     string
	Topics      []string
	Data        string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
}

type rawLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
}

// GetTransferLogs fetches every ERC-20 Transfer log for tokenAddress
// between fromBlock and toBlock (inclusive). It applies no address filter
// of its own; callers that care about a specific set of addresses (see
// indexer.Scan) filter the returned logs' from/to topics themselves.
func (c *Client) GetTransferLogs(ctx context.Context, tokenAddress string, fromBlock, toBlock uint64) ([]Log, error) {
	filter := map[string]interface{}{
		"address":   tokenAddress,
		"fromBlock": toHex(fromBlock),
		"toBlock":   toHex(toBlock),
		"topics":    []string{TransferEventTopic0},
	}

	var raws []rawLog
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter}, &raws); err != nil {
		return nil, fmt.Errorf("get transfer logs: %w", err)
	}

	logs := make([]Log, 0, len(raws))
	for _, r := range raws {
		blockNum, err := parseHexUint(r.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("parse log block number: %w", err)
		}
		logIndex, err := parseHexUint(r.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("parse log index: %w", err)
		}
		logs = append(logs, Log{
			Address:     r.Address,
			Topics:      r.Topics,
			Data:        r.Data,
			BlockNumber: blockNum,
			TxHash:      r.TxHash,
			LogIndex:    logIndex,
		})
	}
	return logs, nil
}

// BalanceOfERC20 calls the standard ERC-20 balanceOf(address) view function
// via eth_call and returns the raw token-unit balance.
func (c *Client) BalanceOfERC20(ctx context.Context, tokenAddress, holder string) (*big.Int, error) {
	selector := "70a08231" // balanceOf(address)
	padded := strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(holder), "0x")
	data := "0x" + selector + padded

	callObj := map[string]interface{}{"to": tokenAddress, "data": data}
	var hexResult string
	if err := c.call(ctx, "eth_call", []interface{}{callObj, "latest"}, &hexResult); err != nil {
		return nil, fmt.Errorf("balanceOf call: %w", err)
	}

	value := new(big.Int)
	if _, ok := value.SetString(strings.TrimPrefix(hexResult, "0x"), 16); !ok {
		return nil, fmt.Errorf("parse balanceOf result %q", hexResult)
	}
	return value, nil
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction and
// returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, signedTxHex string) (string, error) {
	var txHash string
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{signedTxHex}, &txHash); err != nil {
		return "", fmt.Errorf("send raw transaction: %w", err)
	}
	return txHash, nil
}

// TransactionReceipt returns whether the transaction identified by txHash
// has been mined and its status, or found=false if it is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (status uint64, found bool, err error) {
	var raw map[string]interface{}
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &raw); err != nil {
		return 0, false, fmt.Errorf("get transaction receipt: %w", err)
	}
	if raw == nil {
		return 0, false, nil
	}
	statusHex, _ := raw["status"].(string)
	st, err := parseHexUint(statusHex)
	if err != nil {
		return 0, true, fmt.Errorf("parse receipt status: %w", err)
	}
	return st, true, nil
}

func toHex(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}
