// Package audit records one row per authenticated request against the
// oracle and agent APIs, written in the same database transaction as any
// state change the request caused.
package audit

import (
	"context"
	"database/sql"
	"time"
)

// ActorType identifies who made the audited request.
type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorOracle ActorType = "oracle"
	ActorSystem ActorType = "system"
)

// SignatureStatus describes the outcome of oracle request-gate verification.
type SignatureStatus string

const (
	SignatureOK        SignatureStatus = "ok"
	SignatureOKLegacy  SignatureStatus = "ok_legacy"
	SignatureInvalid   SignatureStatus = "invalid"
	SignatureStale     SignatureStatus = "stale"
	SignatureReplay    SignatureStatus = "replay"
)

// maxErrorHintLen is the hard cap on the error_hint column; longer hints are
// truncated rather than rejected, so a single malformed input can never
// itself take down the audit write.
const maxErrorHintLen = 255

// Entry is one audit log row.
type Entry struct {
	OccurredAt      time.Time
	ActorType       ActorType
	ActorID         string
	Method          string
	Path            string
	IdempotencyKey  string
	BodyHash        string
	SignatureStatus SignatureStatus
	RequestID       string
	TxHash          string
	StatusCode      int
	ErrorHint       string
}

// Record inserts entry using exec, which must be either *sql.DB or an
// in-flight *sql.Tx so the audit row commits atomically with whatever state
// change the request produced.
func Record(ctx context.Context, exec Execer, entry Entry) error {
	hint := entry.ErrorHint
	if len(hint) > maxErrorHintLen {
		hint = hint[:maxErrorHintLen]
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_log (
			actor_type, actor_id, method, path, idempotency_key,
			body_hash, signature_status, request_id, tx_hash, status_code, error_hint
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		string(entry.ActorType), nullableString(entry.ActorID), entry.Method, entry.Path,
		nullableString(entry.IdempotencyKey), nullableString(entry.BodyHash),
		nullableString(string(entry.SignatureStatus)), nullableString(entry.RequestID),
		nullableString(entry.TxHash), entry.StatusCode, nullableString(hint),
	)
	return err
}

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
