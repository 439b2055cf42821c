package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/ports"
)

// LedgerStore implements ports.LedgerStore using SQLite.
// Each Commit is one transaction covering the ledger row, its per-provider
// balances, the audit row and the idempotency key.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new SQLite ledger store.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Load retrieves a ledger by user id.
func (s *LedgerStore) Load(ctx context.Context, userID string) (ledger.Ledger, error) {
	return loadLedger(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadLedger(ctx context.Context, q querier, userID string) (ledger.Ledger, error) {
	var (
		l                  ledger.Ledger
		tier               string
		monthlyNs, dailyNs int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, tier, daily_remaining, purchased_balance,
		       last_monthly_reset, last_daily_reset, version
		FROM ledgers WHERE user_id = ?
	`, userID).Scan(&l.UserID, &tier, &l.DailyRemaining, &l.PurchasedBalance, &monthlyNs, &dailyNs, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Ledger{}, ports.ErrNotFound
	}
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("load ledger: %w", err)
	}

	if l.Tier, err = ledger.ParseTier(tier); err != nil {
		return ledger.Ledger{}, err
	}
	l.LastMonthlyReset = time.Unix(0, monthlyNs).UTC()
	l.LastDailyReset = time.Unix(0, dailyNs).UTC()
	l.FreeRemaining = make(map[provider.ID]int64)
	l.TotalUsed = make(map[provider.ID]int64)

	rows, err := q.QueryContext(ctx, `
		SELECT provider, free_remaining, total_used
		FROM ledger_provider_balances WHERE user_id = ?
	`, userID)
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var free, used int64
		if err := rows.Scan(&name, &free, &used); err != nil {
			return ledger.Ledger{}, fmt.Errorf("scan balance: %w", err)
		}
		p, err := provider.Parse(name)
		if err != nil {
			return ledger.Ledger{}, err
		}
		l.FreeRemaining[p] = free
		l.TotalUsed[p] = used
	}
	return l, rows.Err()
}

// Commit writes c atomically, failing with ErrVersionConflict or
// ErrDuplicate without side effects.
func (s *LedgerStore) Commit(ctx context.Context, c ports.LedgerCommit) (ledger.Ledger, error) {
	if err := c.Ledger.Validate(); err != nil {
		return ledger.Ledger{}, fmt.Errorf("commit ledger: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	l := c.Ledger

	if c.IdempotencyKey != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			c.IdempotencyKey, now)
		if err != nil {
			return ledger.Ledger{}, fmt.Errorf("record idempotency key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ledger.Ledger{}, ports.ErrDuplicate
		}
	}

	var res sql.Result
	if c.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO ledgers (user_id, tier, daily_remaining, purchased_balance,
			                     last_monthly_reset, last_daily_reset, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(user_id) DO NOTHING
		`, l.UserID, l.Tier.String(), l.DailyRemaining, l.PurchasedBalance,
			l.LastMonthlyReset.UnixNano(), l.LastDailyReset.UnixNano(), now)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE ledgers SET
				tier = ?, daily_remaining = ?, purchased_balance = ?,
				last_monthly_reset = ?, last_daily_reset = ?,
				version = version + 1, updated_at = ?
			WHERE user_id = ? AND version = ?
		`, l.Tier.String(), l.DailyRemaining, l.PurchasedBalance,
			l.LastMonthlyReset.UnixNano(), l.LastDailyReset.UnixNano(), now,
			l.UserID, c.ExpectedVersion)
	}
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("write ledger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Ledger{}, ports.ErrVersionConflict
	}

	for _, p := range provider.All() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_provider_balances (user_id, provider, free_remaining, total_used)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, provider) DO UPDATE SET
				free_remaining = excluded.free_remaining,
				total_used = excluded.total_used
		`, l.UserID, p.String(), l.FreeRemaining[p], l.TotalUsed[p])
		if err != nil {
			return ledger.Ledger{}, fmt.Errorf("write balance %s: %w", p, err)
		}
	}

	if c.Transaction != nil {
		if err := insertTransaction(ctx, tx, *c.Transaction); err != nil {
			return ledger.Ledger{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Ledger{}, fmt.Errorf("commit: %w", err)
	}

	saved := l.Clone()
	saved.Version = c.ExpectedVersion + 1
	return saved, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t usage.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, user_id, kind, provider, source, amount, related_id, restored, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Kind.String(), providerName(t.Provider), t.Source.String(),
		t.Amount, t.RelatedID, t.Restored, t.Description, t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, user_id, kind, provider, source, amount, related_id, restored, description, created_at`

// Transaction retrieves one audit row.
func (s *LedgerStore) Transaction(ctx context.Context, id string) (usage.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Transaction{}, ports.ErrNotFound
	}
	return t, err
}

// Transactions lists a user's audit rows, newest first.
func (s *LedgerStore) Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []usage.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (usage.Transaction, error) {
	var (
		t               usage.Transaction
		kind, prov, src string
		createdNs       int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &prov, &src, &t.Amount,
		&t.RelatedID, &t.Restored, &t.Description, &createdNs); err != nil {
		return usage.Transaction{}, err
	}

	var err error
	if t.Kind, err = usage.ParseKind(kind); err != nil {
		return usage.Transaction{}, err
	}
	if t.Source, err = ledger.ParseSource(src); err != nil {
		return usage.Transaction{}, err
	}
	if prov != "" {
		if t.Provider, err = provider.Parse(prov); err != nil {
			return usage.Transaction{}, err
		}
	}
	t.CreatedAt = time.Unix(0, createdNs).UTC()
	return t, nil
}

func providerName(p provider.ID) string {
	if !p.Valid() {
		return ""
	}
	return p.String()
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
