// Package ledger implements the append-only accounting ledger: revenue,
// expense, project-capital, and marketing-fee-accrual events. Entries are
// never updated or deleted; balances are always computed by summing rows,
// never cached.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dao-autonomy/control-plane/internal/ids"
)

// EventType distinguishes the four append-only event streams.
type EventType string

const (
	EventRevenue      EventType = "revenue"
	EventExpense      EventType = "expense"
	EventCapital      EventType = "capital"
	EventMarketingFee EventType = "marketing_fee"
)

// Execer is satisfied by both *sql.DB and an in-flight *sql.Tx, so a caller
// can pass a transaction to make a ledger append atomic with an audit
// write, or a bare *sql.DB when no such atomicity is required.
type Execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Store persists ledger events.
type Store struct {
	db Execer
}

// NewStore wraps db for ledger operations. db may be *sql.DB or *sql.Tx.
func NewStore(db Execer) *Store {
	return &Store{db: db}
}

// RevenueEvent is one row of the revenue_events table.
type RevenueEvent struct {
	EventID         string
	ProfitMonthID   string
	ProjectID       string
	AmountMicroUSDC int64
	TxHash          string
	Source          string
	Category        string
	IdempotencyKey  string
	EvidenceURL     string
}

// AppendRevenue inserts a revenue event, or returns the existing row if
// idempotencyKey was already recorded. created reports whether a new row
// was inserted.
func (s *Store) AppendRevenue(ctx context.Context, ev RevenueEvent) (RevenueEvent, bool, error) {
	if ev.EventID == "" {
		ev.EventID = ids.RevenueEvent()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO revenue_events (
			event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, source, category, idempotency_key, evidence_url
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, source, category, idempotency_key, evidence_url`,
		ev.EventID, ev.ProfitMonthID, nullable(ev.ProjectID), ev.AmountMicroUSDC,
		nullable(ev.TxHash), ev.Source, nullable(ev.Category), ev.IdempotencyKey, nullable(ev.EvidenceURL))

	var out RevenueEvent
	var projectID, txHash, category, evidenceURL sql.NullString
	if err := row.Scan(&out.EventID, &out.ProfitMonthID, &projectID, &out.AmountMicroUSDC,
		&txHash, &out.Source, &category, &out.IdempotencyKey, &evidenceURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, ferr := s.findRevenueByKey(ctx, ev.IdempotencyKey)
			if ferr != nil {
				return RevenueEvent{}, false, ferr
			}
			return existing, false, nil
		}
		return RevenueEvent{}, false, fmt.Errorf("insert revenue event: %w", err)
	}
	out.ProjectID, out.TxHash, out.Category, out.EvidenceURL = projectID.String, txHash.String, category.String, evidenceURL.String
	return out, true, nil
}

func (s *Store) findRevenueByKey(ctx context.Context, key string) (RevenueEvent, error) {
	var out RevenueEvent
	var projectID, txHash, category, evidenceURL sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, source, category, idempotency_key, evidence_url
		FROM revenue_events WHERE idempotency_key = $1`, key).
		Scan(&out.EventID, &out.ProfitMonthID, &projectID, &out.AmountMicroUSDC,
			&txHash, &out.Source, &category, &out.IdempotencyKey, &evidenceURL)
	if err != nil {
		return RevenueEvent{}, fmt.Errorf("find revenue event by idempotency key: %w", err)
	}
	out.ProjectID, out.TxHash, out.Category, out.EvidenceURL = projectID.String, txHash.String, category.String, evidenceURL.String
	return out, nil
}

// ExpenseEvent is one row of the expense_events table.
type ExpenseEvent struct {
	EventID         string
	ProfitMonthID   string
	ProjectID       string
	AmountMicroUSDC int64
	TxHash          string
	Source          string
	Category        string
	IdempotencyKey  string
	EvidenceURL     string
}

// AppendExpense inserts an expense event, or returns the existing row if
// idempotencyKey was already recorded.
func (s *Store) AppendExpense(ctx context.Context, ev ExpenseEvent) (ExpenseEvent, bool, error) {
	if ev.EventID == "" {
		ev.EventID = ids.ExpenseEvent()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO expense_events (
			event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, source, category, idempotency_key, evidence_url
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, source, category, idempotency_key, evidence_url`,
		ev.EventID, ev.ProfitMonthID, nullable(ev.ProjectID), ev.AmountMicroUSDC,
		nullable(ev.TxHash), ev.Source, nullable(ev.Category), ev.IdempotencyKey, nullable(ev.EvidenceURL))

	var out ExpenseEvent
	var projectID, txHash, category, evidenceURL sql.NullString
	if err := row.Scan(&out.EventID, &out.ProfitMonthID, &projectID, &out.AmountMicroUSDC,
		&txHash, &out.Source, &category, &out.IdempotencyKey, &evidenceURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var existing ExpenseEvent
			var pid, th, cat, ev2 sql.NullString
			ferr := s.db.QueryRowContext(ctx, `
				SELECT event_id, profit_month_id, project_id, amount_micro_usdc, tx_hash, source, category, idempotency_key, evidence_url
				FROM expense_events WHERE idempotency_key = $1`, ev.IdempotencyKey).
				Scan(&existing.EventID, &existing.ProfitMonthID, &pid, &existing.AmountMicroUSDC,
					&th, &existing.Source, &cat, &existing.IdempotencyKey, &ev2)
			if ferr != nil {
				return ExpenseEvent{}, false, fmt.Errorf("find expense event by idempotency key: %w", ferr)
			}
			existing.ProjectID, existing.TxHash, existing.Category, existing.EvidenceURL = pid.String, th.String, cat.String, ev2.String
			return existing, false, nil
		}
		return ExpenseEvent{}, false, fmt.Errorf("insert expense event: %w", err)
	}
	out.ProjectID, out.TxHash, out.Category, out.EvidenceURL = projectID.String, txHash.String, category.String, evidenceURL.String
	return out, true, nil
}

// CapitalEvent is one row of the project_capital_events table: a signed
// delta to a project's on-chain capital balance.
type CapitalEvent struct {
	EventID         string
	ProjectID       string
	ProfitMonthID   string
	DeltaMicroUSDC  int64
	Source          string
	IdempotencyKey  string
	EvidenceTxHash  string
}

// AppendCapital inserts a project capital event, or returns the existing row
// if idempotencyKey was already recorded.
func (s *Store) AppendCapital(ctx context.Context, ev CapitalEvent) (CapitalEvent, bool, error) {
	if ev.EventID == "" {
		ev.EventID = ids.CapitalEvent()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO project_capital_events (
			event_id, project_id, profit_month_id, delta_micro_usdc, source, idempotency_key, evidence_tx_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING event_id, project_id, profit_month_id, delta_micro_usdc, source, idempotency_key, evidence_tx_hash`,
		ev.EventID, ev.ProjectID, nullable(ev.ProfitMonthID), ev.DeltaMicroUSDC, ev.Source, ev.IdempotencyKey, nullable(ev.EvidenceTxHash))

	var out CapitalEvent
	var profitMonthID, evidenceTxHash sql.NullString
	if err := row.Scan(&out.EventID, &out.ProjectID, &profitMonthID, &out.DeltaMicroUSDC, &out.Source, &out.IdempotencyKey, &evidenceTxHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var existing CapitalEvent
			var pmid, eth sql.NullString
			ferr := s.db.QueryRowContext(ctx, `
				SELECT event_id, project_id, profit_month_id, delta_micro_usdc, source, idempotency_key, evidence_tx_hash
				FROM project_capital_events WHERE idempotency_key = $1`, ev.IdempotencyKey).
				Scan(&existing.EventID, &existing.ProjectID, &pmid, &existing.DeltaMicroUSDC, &existing.Source, &existing.IdempotencyKey, &eth)
			if ferr != nil {
				return CapitalEvent{}, false, fmt.Errorf("find capital event by idempotency key: %w", ferr)
			}
			existing.ProfitMonthID, existing.EvidenceTxHash = pmid.String, eth.String
			return existing, false, nil
		}
		return CapitalEvent{}, false, fmt.Errorf("insert capital event: %w", err)
	}
	out.ProfitMonthID, out.EvidenceTxHash = profitMonthID.String, evidenceTxHash.String
	return out, true, nil
}

// ProjectLedgerBalance returns SUM(revenue) - SUM(expense) + SUM(capital
// deltas) for a project, computed fresh from the append-only tables (never
// cached).
func (s *Store) ProjectLedgerBalance(ctx context.Context, projectID string) (int64, error) {
	var revenue, expense, capital sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micro_usdc),0) FROM revenue_events WHERE project_id = $1`, projectID).Scan(&revenue); err != nil {
		return 0, fmt.Errorf("sum revenue: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micro_usdc),0) FROM expense_events WHERE project_id = $1`, projectID).Scan(&expense); err != nil {
		return 0, fmt.Errorf("sum expense: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta_micro_usdc),0) FROM project_capital_events WHERE project_id = $1`, projectID).Scan(&capital); err != nil {
		return 0, fmt.Errorf("sum capital: %w", err)
	}
	return revenue.Int64 - expense.Int64 + capital.Int64, nil
}

// PlatformLedgerBalance returns SUM(revenue) - SUM(expense) + SUM(capital
// deltas) across every project, the platform-wide counterpart to
// ProjectLedgerBalance used when reconciling the treasury scope rather than
// a single project's.
func (s *Store) PlatformLedgerBalance(ctx context.Context) (int64, error) {
	var revenue, expense, capital sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micro_usdc),0) FROM revenue_events`).Scan(&revenue); err != nil {
		return 0, fmt.Errorf("sum platform revenue: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micro_usdc),0) FROM expense_events`).Scan(&expense); err != nil {
		return 0, fmt.Errorf("sum platform expense: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta_micro_usdc),0) FROM project_capital_events`).Scan(&capital); err != nil {
		return 0, fmt.Errorf("sum platform capital: %w", err)
	}
	return revenue.Int64 - expense.Int64 + capital.Int64, nil
}

// MonthlySums returns the revenue, expense, and profit (revenue - expense)
// sums for a given YYYYMM profit month, across all projects.
func (s *Store) MonthlySums(ctx context.Context, profitMonthID string) (revenue, expense, profit int64, err error) {
	var rev, exp sql.NullInt64
	if err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micro_usdc),0) FROM revenue_events WHERE profit_month_id = $1`, profitMonthID).Scan(&rev); err != nil {
		return 0, 0, 0, fmt.Errorf("sum monthly revenue: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micro_usdc),0) FROM expense_events WHERE profit_month_id = $1`, profitMonthID).Scan(&exp); err != nil {
		return 0, 0, 0, fmt.Errorf("sum monthly expense: %w", err)
	}
	return rev.Int64, exp.Int64, rev.Int64 - exp.Int64, nil
}

// ProjectShare is one project's profit contribution to a settled month,
// paired with the treasury address an author-recipient payout would land
// on.
type ProjectShare struct {
	ProjectID       string
	TreasuryAddress string
	ProfitMicroUSDC int64
}

// ProjectProfitShares returns every project with positive profit
// (revenue - expense, ignoring capital events which are principal, not
// earnings) for profitMonthID, ordered by profit descending so callers
// building a capped recipient vector can simply take a prefix.
func (s *Store) ProjectProfitShares(ctx context.Context, profitMonthID string) ([]ProjectShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.project_id, COALESCE(p.treasury_address,''),
		       COALESCE(rev.sum,0) - COALESCE(exp.sum,0) AS profit
		FROM projects p
		LEFT JOIN (
			SELECT project_id, SUM(amount_micro_usdc) AS sum FROM revenue_events
			WHERE profit_month_id = $1 GROUP BY project_id
		) rev ON rev.project_id = p.project_id
		LEFT JOIN (
			SELECT project_id, SUM(amount_micro_usdc) AS sum FROM expense_events
			WHERE profit_month_id = $1 GROUP BY project_id
		) exp ON exp.project_id = p.project_id
		WHERE COALESCE(rev.sum,0) - COALESCE(exp.sum,0) > 0
		ORDER BY profit DESC`, profitMonthID)
	if err != nil {
		return nil, fmt.Errorf("query project profit shares: %w", err)
	}
	defer rows.Close()

	var shares []ProjectShare
	for rows.Next() {
		var sh ProjectShare
		if err := rows.Scan(&sh.ProjectID, &sh.TreasuryAddress, &sh.ProfitMicroUSDC); err != nil {
			return nil, fmt.Errorf("scan project profit share: %w", err)
		}
		shares = append(shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project profit shares: %w", err)
	}
	return shares, nil
}

// ProjectTreasury is one project eligible for its own reconciliation scope.
type ProjectTreasury struct {
	ProjectID       string
	TreasuryAddress string
}

// ListProjectsWithTreasury returns every project that has a treasury
// address configured, the set autonomy.TickOnce reconciles individually
// in addition to the platform-wide scope.
func (s *Store) ListProjectsWithTreasury(ctx context.Context) ([]ProjectTreasury, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, treasury_address FROM projects
		WHERE treasury_address IS NOT NULL AND treasury_address <> ''`)
	if err != nil {
		return nil, fmt.Errorf("query projects with treasury: %w", err)
	}
	defer rows.Close()

	var projects []ProjectTreasury
	for rows.Next() {
		var p ProjectTreasury
		if err := rows.Scan(&p.ProjectID, &p.TreasuryAddress); err != nil {
			return nil, fmt.Errorf("scan project treasury: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects with treasury: %w", err)
	}
	return projects, nil
}

// ExpenseSpentTotals sums projectID's expense_events created so far today
// and so far this calendar month (both in the server's local time), the
// SpentTotals input the spend-policy gate compares against its caps.
func (s *Store) ExpenseSpentTotals(ctx context.Context, projectID string) (today, month int64, err error) {
	var t, m sql.NullInt64
	if err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro_usdc),0) FROM expense_events
		WHERE project_id = $1 AND created_at >= date_trunc('day', now())`, projectID).Scan(&t); err != nil {
		return 0, 0, fmt.Errorf("sum today expense: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro_usdc),0) FROM expense_events
		WHERE project_id = $1 AND created_at >= date_trunc('month', now())`, projectID).Scan(&m); err != nil {
		return 0, 0, fmt.Errorf("sum month expense: %w", err)
	}
	return t.Int64, m.Int64, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
