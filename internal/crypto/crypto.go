// Package crypto provides the cryptographic primitives used by the oracle
// request gate and the agent API-key store: HMAC-SHA256 request signing,
// PBKDF2 key derivation, and general-purpose HKDF/AES-GCM helpers for
// at-rest secret material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DeriveKey derives a key using HKDF-SHA256. Used to turn a single
// operator-provisioned master secret into distinct per-purpose keys
// without storing multiple secrets; its caller here is the Safe-mode
// signer's key material derivation.
func DeriveKey(masterKey, salt []byte, info string, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSign computes an HMAC-SHA256 tag over data.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify reports whether signature is the HMAC-SHA256 tag for data
// under key, using a constant-time comparison.
func HMACVerify(key, data, signature []byte) bool {
	return hmac.Equal(signature, HMACSign(key, data))
}

// ConstantTimeEqual compares two byte slices in time independent of their
// contents, guarding against timing side-channels when checking secrets
// that did not come through HMACVerify (e.g. raw API-key digests).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HashBody returns the lowercase hex SHA-256 digest of body, used as the
// body_hash component of the oracle request signing payload.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignOracleRequest computes the v2 HMAC-SHA256 signature over
// "{ts}.{requestID}.{method}.{path}.{bodyHash}" and returns it hex-encoded.
func SignOracleRequest(secret []byte, ts, requestID, method, path, bodyHash string) string {
	payload := fmt.Sprintf("%s.%s.%s.%s.%s", ts, requestID, method, path, bodyHash)
	return hex.EncodeToString(HMACSign(secret, []byte(payload)))
}

// VerifyOracleRequest checks a hex-encoded signature against the v2
// payload. Returns false (never panics) for malformed hex, matching the
// gate's fail-closed contract.
func VerifyOracleRequest(secret []byte, ts, requestID, method, path, bodyHash, signatureHex string) bool {
	want, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	payload := fmt.Sprintf("%s.%s.%s.%s.%s", ts, requestID, method, path, bodyHash)
	return HMACVerify(secret, []byte(payload), want)
}

// SignOracleRequestLegacy computes the deprecated v1 signature over
// "{ts}.{bodyHash}". Only used when ORACLE_ACCEPT_LEGACY_SIGNATURES is set.
func SignOracleRequestLegacy(secret []byte, ts, bodyHash string) string {
	payload := fmt.Sprintf("%s.%s", ts, bodyHash)
	return hex.EncodeToString(HMACSign(secret, []byte(payload)))
}

// VerifyOracleRequestLegacy checks a hex-encoded v1 signature.
func VerifyOracleRequestLegacy(secret []byte, ts, bodyHash, signatureHex string) bool {
	want, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	payload := fmt.Sprintf("%s.%s", ts, bodyHash)
	return HMACVerify(secret, []byte(payload), want)
}

const (
	pbkdf2Prefix  = "pbkdf2_sha256"
	pbkdf2KeyLen  = 32
	pbkdf2SaltLen = 16
)

// HashAPIKey derives a PBKDF2-HMAC-SHA256 digest of an agent API key and
// encodes it as "pbkdf2_sha256$iterations$salt_hex$derived_hex", following
// the format the gate stores and later verifies against.
func HashAPIKey(apiKey string, iterations int) (string, error) {
	salt, err := GenerateRandomBytes(pbkdf2SaltLen)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(apiKey), salt, iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", pbkdf2Prefix, iterations, hex.EncodeToString(salt), hex.EncodeToString(derived)), nil
}

// VerifyAPIKey checks apiKey against an encoded digest produced by
// HashAPIKey. It never returns an error for a mismatch; malformed or
// unrecognised digests simply fail verification.
func VerifyAPIKey(apiKey, encoded string) bool {
	parts := splitDollar(encoded)
	if len(parts) != 4 || parts[0] != pbkdf2Prefix {
		return false
	}
	var iterations int
	if _, err := fmt.Sscanf(parts[1], "%d", &iterations); err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(apiKey), salt, iterations, len(want), sha256.New)
	return ConstantTimeEqual(got, want)
}

func splitDollar(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Encrypt encrypts plaintext using AES-256-GCM, prepending the nonce to the
// returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
