package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dao-autonomy/control-plane/pkg/version"
)

func newJSONRPCServer(t *testing.T, result interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  result,
		})
	}))
}

func TestBlockNumberParsesHex(t *testing.T) {
	srv := newJSONRPCServer(t, "0x10")
	defer srv.Close()

	client := NewClient(srv.URL)
	n, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(16), n)
}

func TestGetTransferLogsParsesFields(t *testing.T) {
	srv := newJSONRPCServer(t, []map[string]interface{}{
		{
			"address":         "0xtoken",
			"topics":          []string{TransferEventTopic0, "0xfrom", "0xto"},
			"data":            "0x64",
			"blockNumber":     "0x5",
			"transactionHash": "0xabc",
			"logIndex":        "0x1",
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL)
	logs, err := client.GetTransferLogs(context.Background(), "0xtoken", 0, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, uint64(5), logs[0].BlockNumber)
	require.Equal(t, uint64(1), logs[0].LogIndex)
	require.Equal(t, "0xabc", logs[0].TxHash)
}

func TestBalanceOfERC20ParsesBigInt(t *testing.T) {
	srv := newJSONRPCServer(t, "0x64")
	defer srv.Close()

	client := NewClient(srv.URL)
	bal, err := client.BalanceOfERC20(context.Background(), "0xtoken", "0xholder")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())
}

func TestCallSetsUserAgentHeader(t *testing.T) {
	var gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, version.UserAgent(), gotUserAgent)
}

func TestRPCErrorIsPropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]interface{}{"code": -32000, "message": "boom"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.BlockNumber(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
