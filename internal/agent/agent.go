// Package agent implements agent registration and API-key authentication
// for the public agent surface. An agent
// identity is a row in agents plus one or more rotatable keys in
// agent_api_keys; the X-API-Key header carries "{agent_id}.{token}" and
// authentication verifies the token against the agent's current key
// digest.
package agent

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dao-autonomy/control-plane/internal/crypto"
	"github.com/dao-autonomy/control-plane/internal/ids"
	"github.com/lib/pq"
)

// ErrNotFound is returned when no agent matches the given ID.
var ErrNotFound = errors.New("agent: not found")

// ErrInvalidCredential is returned by Authenticate when the API key header
// is malformed or does not verify.
var ErrInvalidCredential = errors.New("agent: invalid credential")

// ErrRevoked is returned by Authenticate when the agent has been revoked.
var ErrRevoked = errors.New("agent: revoked")

// Agent is one agents row.
type Agent struct {
	AgentID        string
	DisplayName    string
	Capabilities   []string
	WalletAddress  string
	CredentialLast4 string
	RevokedAt      sql.NullTime
	CreatedAt      time.Time
}

// Store persists agents and their API-key digests.
type Store struct {
	db *sql.DB
}

// NewStore wraps db for agent persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RegisterInput describes one registration request.
type RegisterInput struct {
	DisplayName   string
	Capabilities  []string
	WalletAddress string
	PBKDF2Rounds  int
}

// RegisterResult is what a successful registration returns to the caller;
// PlaintextAPIKey is shown exactly once and never stored.
type RegisterResult struct {
	AgentID         string
	PlaintextAPIKey string
	CreatedAt       time.Time
}

// Register creates a new agent identity and its first API key. The key
// digest is written to both agents.credential_hash (the agent's current
// credential, surfaced on agent lookups) and agent_api_keys.key_digest (the
// rotatable-key ledger authentication actually checks against), so a later
// key rotation only touches agent_api_keys.
func Register(ctx context.Context, db *sql.DB, in RegisterInput) (RegisterResult, error) {
	agentID := ids.Agent()
	token, err := randomToken()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("generate agent api key: %w", err)
	}
	digest, err := crypto.HashAPIKey(token, in.PBKDF2Rounds)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash agent api key: %w", err)
	}
	last4 := token
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO agents (agent_id, display_name, capabilities, wallet_address, credential_hash, credential_last4)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		agentID, in.DisplayName, pq.Array(in.Capabilities), nullable(in.WalletAddress), digest, last4).Scan(&createdAt)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("insert agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_api_keys (agent_id, key_digest) VALUES ($1,$2)`, agentID, digest); err != nil {
		return RegisterResult{}, fmt.Errorf("insert agent api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RegisterResult{}, fmt.Errorf("commit register tx: %w", err)
	}

	return RegisterResult{
		AgentID:         agentID,
		PlaintextAPIKey: fmt.Sprintf("%s.%s", agentID, token),
		CreatedAt:       createdAt,
	}, nil
}

// Get loads one agent by ID.
func (s *Store) Get(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	var wallet sql.NullString
	var caps []string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, capabilities, wallet_address, credential_last4, revoked_at, created_at
		FROM agents WHERE agent_id = $1`, agentID).
		Scan(&a.AgentID, &a.DisplayName, pq.Array(&caps), &wallet, &a.CredentialLast4, &a.RevokedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	a.Capabilities, a.WalletAddress = caps, wallet.String
	return a, nil
}

// Authenticate parses an "X-API-Key: {agent_id}.{token}" header value and
// verifies token against every non-revoked digest recorded for agent_id in
// agent_api_keys (supporting key rotation with overlap). It returns the
// authenticated Agent on success.
func (s *Store) Authenticate(ctx context.Context, headerValue string) (Agent, error) {
	agentID, token, ok := splitAPIKey(headerValue)
	if !ok {
		return Agent{}, ErrInvalidCredential
	}

	a, err := s.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agent{}, ErrInvalidCredential
		}
		return Agent{}, err
	}
	if a.RevokedAt.Valid {
		return Agent{}, ErrRevoked
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key_digest FROM agent_api_keys WHERE agent_id = $1 AND revoked_at IS NULL`, agentID)
	if err != nil {
		return Agent{}, fmt.Errorf("load agent api keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return Agent{}, fmt.Errorf("scan agent api key: %w", err)
		}
		if crypto.VerifyAPIKey(token, digest) {
			return a, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Agent{}, fmt.Errorf("iterate agent api keys: %w", err)
	}
	return Agent{}, ErrInvalidCredential
}

func splitAPIKey(headerValue string) (agentID, token string, ok bool) {
	idx := strings.Index(headerValue, ".")
	if idx <= 0 || idx == len(headerValue)-1 {
		return "", "", false
	}
	return headerValue[:idx], headerValue[idx+1:], true
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
