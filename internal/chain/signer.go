package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dao-autonomy/control-plane/internal/crypto"
)

// ContractCall is a minimal eth_sendTransaction-shaped call: a destination
// and ABI-encoded call data. It deliberately carries no gas/value fields;
// the signer backend fills in whatever its submission path needs.
type ContractCall struct {
	To   string
	Data string // 0x-prefixed hex
}

// Signer is the smallest interface the tx outbox worker needs to turn a
// ContractCall into a broadcast transaction hash. Two implementations
// exist: DirectSigner for a single-key direct-submit path, SafeCLISigner
// for the multi-owner Safe-mode path.
type Signer interface {
	Submit(ctx context.Context, call ContractCall) (txHash string, err error)
}

// DirectSigner submits a call via eth_sendTransaction against an RPC
// endpoint where the signing key is managed server-side (a KMS-backed
// node, a signer sidecar, or a local dev chain with an unlocked account) —
// the control plane never holds raw key material in this path, only the
// from-address ORACLE_SIGNER_PRIVATE_KEY unlocks on the node.
type DirectSigner struct {
	client *Client
	from   string
}

// NewDirectSigner returns a DirectSigner that submits as fromAddress
// through client.
func NewDirectSigner(client *Client, fromAddress string) *DirectSigner {
	return &DirectSigner{client: client, from: fromAddress}
}

// Submit calls eth_sendTransaction with {from, to, data}.
func (s *DirectSigner) Submit(ctx context.Context, call ContractCall) (string, error) {
	if s.from == "" {
		return "", fmt.Errorf("direct signer: no from address configured")
	}
	var txHash string
	params := map[string]interface{}{"from": s.from, "to": call.To, "data": call.Data}
	if err := s.client.call(ctx, "eth_sendTransaction", []interface{}{params}, &txHash); err != nil {
		return "", fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return txHash, nil
}

// SafeCLISigner submits a call through the Gnosis Safe multisig pathway by
// shelling out to an operator-provided Safe CLI/relayer script, mirroring
// internal/githost's subprocess pattern for actions this module does not
// vendor a client library for. The script is invoked as
// `--owner <addr> --keys <file> --to <to> --data <data>` (plus
// `--key-material <hex>` when MasterSecret is set) and must print the
// resulting transaction hash on stdout on success.
type SafeCLISigner struct {
	OwnerAddress string
	KeysFile     string
	ScriptPath   string
	Timeout      time.Duration

	// MasterSecret, when set, is the single operator-provisioned secret
	// DeriveKey turns into the per-purpose key material passed to
	// ScriptPath, so the Safe CLI script never has to be handed the
	// master secret itself.
	MasterSecret []byte

	keyMaterialOnce sync.Once
	keyMaterial     []byte
	keyMaterialErr  error
}

// NewSafeCLISigner returns a SafeCLISigner configured from
// SAFE_OWNER_ADDRESS/SAFE_OWNER_KEYS_FILE. masterSecret may be nil, in
// which case Submit omits --key-material and relies solely on KeysFile.
func NewSafeCLISigner(ownerAddress, keysFile, scriptPath string, masterSecret []byte) *SafeCLISigner {
	return &SafeCLISigner{OwnerAddress: ownerAddress, KeysFile: keysFile, ScriptPath: scriptPath, Timeout: 60 * time.Second, MasterSecret: masterSecret}
}

// deriveKeyMaterial turns MasterSecret into the Safe-signing purpose's key
// material exactly once, caching the result for the signer's lifetime.
func (s *SafeCLISigner) deriveKeyMaterial() ([]byte, error) {
	s.keyMaterialOnce.Do(func() {
		s.keyMaterial, s.keyMaterialErr = crypto.DeriveKey(s.MasterSecret, []byte(s.OwnerAddress), "safe-cli-signer", 32)
	})
	return s.keyMaterial, s.keyMaterialErr
}

// Submit shells out to ScriptPath with the owner keys file, destination,
// and call data, and parses the resulting transaction hash from stdout.
func (s *SafeCLISigner) Submit(ctx context.Context, call ContractCall) (string, error) {
	if s.ScriptPath == "" {
		return "", fmt.Errorf("safe signer: no script configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	args := []string{"--owner", s.OwnerAddress, "--keys", s.KeysFile, "--to", call.To, "--data", call.Data}
	if len(s.MasterSecret) > 0 {
		keyMaterial, err := s.deriveKeyMaterial()
		if err != nil {
			return "", fmt.Errorf("derive safe signer key material: %w", err)
		}
		args = append(args, "--key-material", hex.EncodeToString(keyMaterial))
	}

	cmd := exec.CommandContext(ctx, s.ScriptPath, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("safe signer script: %w: %s", err, stderr.String())
	}
	txHash := strings.TrimSpace(out.String())
	if txHash == "" {
		return "", fmt.Errorf("safe signer script returned no tx hash")
	}
	return txHash, nil
}
