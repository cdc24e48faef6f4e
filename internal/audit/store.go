package audit

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Row is a row as scanned back from audit_log for API listing.
type Row struct {
	ID              int64     `db:"id"`
	OccurredAt      time.Time `db:"occurred_at"`
	ActorType       string    `db:"actor_type"`
	ActorID         *string   `db:"actor_id"`
	Method          string    `db:"method"`
	Path            string    `db:"path"`
	IdempotencyKey  *string   `db:"idempotency_key"`
	SignatureStatus *string   `db:"signature_status"`
	RequestID       *string   `db:"request_id"`
	TxHash          *string   `db:"tx_hash"`
	StatusCode      int       `db:"status_code"`
	ErrorHint       *string   `db:"error_hint"`
}

// Store provides read access to the audit log for the oracle audit-listing
// endpoint.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps db for audit queries.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Recent returns up to limit audit rows, most recent first, optionally
// filtered to a single request_id.
func (s *Store) Recent(ctx context.Context, requestID string, limit int) ([]Row, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []Row
	if requestID != "" {
		err := s.db.SelectContext(ctx, &rows, `
			SELECT id, occurred_at, actor_type, actor_id, method, path, idempotency_key,
			       signature_status, request_id, tx_hash, status_code, error_hint
			FROM audit_log WHERE request_id = $1
			ORDER BY occurred_at DESC LIMIT $2`, requestID, limit)
		return rows, err
	}

	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, occurred_at, actor_type, actor_id, method, path, idempotency_key,
		       signature_status, request_id, tx_hash, status_code, error_hint
		FROM audit_log ORDER BY occurred_at DESC LIMIT $1`, limit)
	return rows, err
}
