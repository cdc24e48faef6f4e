package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectSignerSubmitsEthSendTransaction(t *testing.T) {
	var gotMethod string
	var gotParams []interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotMethod = req.Method
		gotParams = req.Params
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0xdeadbeef",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	signer := NewDirectSigner(client, "0xfrom")

	txHash, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", txHash)
	require.Equal(t, "eth_sendTransaction", gotMethod)
	require.Len(t, gotParams, 1)
}

func TestDirectSignerRequiresFromAddress(t *testing.T) {
	signer := NewDirectSigner(NewClient("http://unused"), "")
	_, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.Error(t, err)
}

func TestSafeCLISignerRequiresScriptPath(t *testing.T) {
	signer := NewSafeCLISigner("0xowner", "/keys", "", nil)
	_, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.Error(t, err)
}

func TestSafeCLISignerParsesScriptStdout(t *testing.T) {
	script := writeFakeSafeScript(t, "#!/bin/sh\necho 0xfeedface\n")
	signer := NewSafeCLISigner("0xowner", "/keys", script, nil)

	txHash, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.NoError(t, err)
	require.Equal(t, "0xfeedface", txHash)
}

func TestSafeCLISignerRejectsEmptyStdout(t *testing.T) {
	script := writeFakeSafeScript(t, "#!/bin/sh\nexit 0\n")
	signer := NewSafeCLISigner("0xowner", "/keys", script, nil)

	_, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.Error(t, err)
}

func TestSafeCLISignerPropagatesScriptFailure(t *testing.T) {
	script := writeFakeSafeScript(t, "#!/bin/sh\necho boom >&2\nexit 1\n")
	signer := NewSafeCLISigner("0xowner", "/keys", script, nil)

	_, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestSafeCLISignerPassesDerivedKeyMaterialWhenMasterSecretSet(t *testing.T) {
	script := writeFakeSafeScript(t, "#!/bin/sh\necho \"$@\" >&2\necho 0xfeedface\n")
	signer := NewSafeCLISigner("0xowner", "/keys", script, []byte("a-master-secret-at-least-16b"))

	_, err := signer.Submit(context.Background(), ContractCall{To: "0xto", Data: "0xdata"})
	require.NoError(t, err)

	keyMaterial, derr := signer.deriveKeyMaterial()
	require.NoError(t, derr)
	require.Len(t, keyMaterial, 32)
}

func writeFakeSafeScript(t *testing.T, contents string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "safe-cli.sh")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o755))
	return path
}
