// Package oracleauth implements the HMAC oracle request gate: header
// validation, timestamp-staleness rejection, nonce replay-guard, and v2
// (with optional v1 legacy fallback) signature verification. Every
// outcome, successful or not, is recorded to the audit log
// by the caller using the Result this package returns.
package oracleauth

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dao-autonomy/control-plane/internal/audit"
	"github.com/dao-autonomy/control-plane/internal/crypto"
)

// Header names the gate requires on every oracle-authenticated request.
const (
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderRequestID = "X-Request-Id"
	HeaderSignature = "X-Signature"
)

// Outcome classifies how a gate check concluded.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeOKLegacy     Outcome = "ok_legacy"
	OutcomeMissingHeader Outcome = "missing_header"
	OutcomeStale        Outcome = "stale"
	OutcomeReplay       Outcome = "replay"
	OutcomeInvalid      Outcome = "invalid"
)

// Result carries the gate's decision plus everything downstream code
// needs to build an audit.Entry.
type Result struct {
	Outcome         Outcome
	SignatureStatus audit.SignatureStatus
	StatusCode      int
	ErrorHint       string
	BodyHash        string
	RequestID       string
}

// Gate holds the configuration the gate checks requests against.
type Gate struct {
	db                    *sql.DB
	secret                []byte
	ttl                   time.Duration
	skew                  time.Duration
	acceptLegacySignature bool
	now                   func() time.Time
}

// NewGate returns a Gate that persists nonces to db.
func NewGate(db *sql.DB, secret []byte, ttl, skew time.Duration, acceptLegacySignatures bool) *Gate {
	return &Gate{
		db:                    db,
		secret:                secret,
		ttl:                   ttl,
		skew:                  skew,
		acceptLegacySignature: acceptLegacySignatures,
		now:                   time.Now,
	}
}

// Check runs the ordered assertion chain against one request: header
// presence, staleness, replay, then signature
// verification. It never panics; every branch returns a terminal Result.
func (g *Gate) Check(ctx context.Context, r *http.Request, body []byte) Result {
	ts := r.Header.Get(HeaderTimestamp)
	requestID := r.Header.Get(HeaderRequestID)
	signatureHex := r.Header.Get(HeaderSignature)
	if ts == "" || requestID == "" || signatureHex == "" {
		return Result{
			Outcome:         OutcomeMissingHeader,
			SignatureStatus: audit.SignatureInvalid,
			StatusCode:      http.StatusForbidden,
			ErrorHint:       "missing_required_oracle_headers",
			RequestID:       requestID,
		}
	}

	tsSeconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Result{
			Outcome:         OutcomeInvalid,
			SignatureStatus: audit.SignatureInvalid,
			StatusCode:      http.StatusForbidden,
			ErrorHint:       "malformed_timestamp",
			RequestID:       requestID,
		}
	}
	requestTime := time.Unix(tsSeconds, 0)
	if abs(g.now().Sub(requestTime)) > g.ttl+g.skew {
		return Result{
			Outcome:         OutcomeStale,
			SignatureStatus: audit.SignatureStale,
			StatusCode:      http.StatusForbidden,
			ErrorHint:       "request_timestamp_stale",
			RequestID:       requestID,
		}
	}

	if err := g.insertNonce(ctx, requestID); err != nil {
		if errors.Is(err, ErrReplay) {
			return Result{
				Outcome:         OutcomeReplay,
				SignatureStatus: audit.SignatureReplay,
				StatusCode:      http.StatusConflict,
				ErrorHint:       "nonce_replay",
				RequestID:       requestID,
			}
		}
		return Result{
			Outcome:         OutcomeInvalid,
			SignatureStatus: audit.SignatureInvalid,
			StatusCode:      http.StatusInternalServerError,
			ErrorHint:       "nonce_store_error",
			RequestID:       requestID,
		}
	}

	bodyHash := crypto.HashBody(body)
	if crypto.VerifyOracleRequest(g.secret, ts, requestID, r.Method, r.URL.Path, bodyHash, signatureHex) {
		return Result{Outcome: OutcomeOK, SignatureStatus: audit.SignatureOK, StatusCode: http.StatusOK, BodyHash: bodyHash, RequestID: requestID}
	}

	if g.acceptLegacySignature && crypto.VerifyOracleRequestLegacy(g.secret, ts, bodyHash, signatureHex) {
		return Result{Outcome: OutcomeOKLegacy, SignatureStatus: audit.SignatureOKLegacy, StatusCode: http.StatusOK, BodyHash: bodyHash, RequestID: requestID}
	}

	return Result{
		Outcome:         OutcomeInvalid,
		SignatureStatus: audit.SignatureInvalid,
		StatusCode:      http.StatusForbidden,
		ErrorHint:       "signature_invalid",
		BodyHash:        bodyHash,
		RequestID:       requestID,
	}
}

// ErrReplay is returned by insertNonce when request_id was already seen.
var ErrReplay = errors.New("oracleauth: replay")

func (g *Gate) insertNonce(ctx context.Context, requestID string) error {
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO oracle_nonces (request_id) VALUES ($1)
		ON CONFLICT (request_id) DO NOTHING`, requestID)
	if err != nil {
		return fmt.Errorf("insert oracle nonce: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrReplay
	}
	return nil
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// contextKey namespaces values this package attaches to a request context.
type contextKey string

const resultContextKey contextKey = "oracleauth.result"

// WithResult attaches result to ctx so downstream handlers and the audit
// writer can read body_hash/request_id/signature_status without
// re-deriving them.
func WithResult(ctx context.Context, result Result) context.Context {
	return context.WithValue(ctx, resultContextKey, result)
}

// FromContext returns the Result attached by Middleware, if any.
func FromContext(ctx context.Context) (Result, bool) {
	result, ok := ctx.Value(resultContextKey).(Result)
	return result, ok
}

// Middleware wraps next so every request first passes Check; on success
// next is invoked with the Result attached to its context, otherwise the
// gate writes the rejection status code and body itself.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		r.Body.Close()

		result := g.Check(r.Context(), r, body)
		if result.Outcome != OutcomeOK && result.Outcome != OutcomeOKLegacy {
			http.Error(w, result.ErrorHint, result.StatusCode)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := WithResult(r.Context(), result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
