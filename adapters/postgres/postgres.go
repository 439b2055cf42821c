// Package postgres provides a PostgreSQL-backed LedgerStore.
//
// Each ledger is a row plus one balance row per provider. Commits run in
// one transaction guarded by the row version, so the store is safe for
// multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/ports"
)

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ ports.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenmeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed LedgerStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokenmeter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ledgersTable() string      { return s.tablePrefix + "ledgers" }
func (s *Store) balancesTable() string     { return s.tablePrefix + "provider_balances" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }
func (s *Store) idempotencyTable() string  { return s.tablePrefix + "idempotency" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			daily_remaining BIGINT NOT NULL CHECK (daily_remaining >= 0),
			purchased_balance BIGINT NOT NULL CHECK (purchased_balance >= 0),
			last_monthly_reset TIMESTAMPTZ NOT NULL,
			last_daily_reset TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			user_id TEXT NOT NULL REFERENCES %[1]s (user_id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			free_remaining BIGINT NOT NULL CHECK (free_remaining >= 0),
			total_used BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, provider)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'none',
			amount BIGINT NOT NULL,
			related_id TEXT NOT NULL DEFAULT '',
			restored BOOLEAN NOT NULL DEFAULT false,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_user_idx ON %[2]s (user_id, created_at DESC, seq DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.ledgersTable(), s.transactionsTable(), s.idempotencyTable(), s.balancesTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("tokenmeter/postgres: ensure schema: %w", err)
	}
	return nil
}

// Load returns the stored ledger or ports.ErrNotFound.
func (s *Store) Load(ctx context.Context, userID string) (ledger.Ledger, error) {
	var (
		l    ledger.Ledger
		tier string
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT user_id, tier, daily_remaining, purchased_balance,
			last_monthly_reset, last_daily_reset, version FROM %s WHERE user_id = $1`, s.ledgersTable()),
		userID,
	).Scan(&l.UserID, &tier, &l.DailyRemaining, &l.PurchasedBalance,
		&l.LastMonthlyReset, &l.LastDailyReset, &l.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Ledger{}, ports.ErrNotFound
	}
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: load: %w", err)
	}

	if l.Tier, err = ledger.ParseTier(tier); err != nil {
		return ledger.Ledger{}, err
	}
	if err := s.loadBalances(ctx, &l); err != nil {
		return ledger.Ledger{}, err
	}
	l.LastMonthlyReset = l.LastMonthlyReset.UTC()
	l.LastDailyReset = l.LastDailyReset.UTC()
	return l, nil
}

func (s *Store) loadBalances(ctx context.Context, l *ledger.Ledger) error {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT provider, free_remaining, total_used FROM %s WHERE user_id = $1`, s.balancesTable()),
		l.UserID,
	)
	if err != nil {
		return fmt.Errorf("tokenmeter/postgres: load balances: %w", err)
	}
	defer rows.Close()

	l.FreeRemaining = make(map[provider.ID]int64)
	l.TotalUsed = make(map[provider.ID]int64)
	for rows.Next() {
		var (
			name       string
			free, used int64
		)
		if err := rows.Scan(&name, &free, &used); err != nil {
			return fmt.Errorf("tokenmeter/postgres: scan balance: %w", err)
		}
		p, err := provider.Parse(name)
		if err != nil {
			return err
		}
		l.FreeRemaining[p] = free
		l.TotalUsed[p] = used
	}
	return rows.Err()
}

// Commit writes c in one transaction.
func (s *Store) Commit(ctx context.Context, c ports.LedgerCommit) (ledger.Ledger, error) {
	if err := c.Ledger.Validate(); err != nil {
		return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: commit: %w", err)
	}
	l := c.Ledger

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency check.
	if c.IdempotencyKey != "" {
		var inserted bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`, s.idempotencyTable()),
			c.IdempotencyKey,
		).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Ledger{}, ports.ErrDuplicate
		}
		if err != nil {
			return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: idem check: %w", err)
		}
	}

	// 2. Versioned write.
	var version int64
	if c.ExpectedVersion == 0 {
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, tier, daily_remaining,
				purchased_balance, last_monthly_reset, last_daily_reset, version)
				VALUES ($1, $2, $3, $4, $5, $6, 1)
				ON CONFLICT (user_id) DO NOTHING
				RETURNING version`, s.ledgersTable()),
			l.UserID, l.Tier.String(), l.DailyRemaining, l.PurchasedBalance,
			l.LastMonthlyReset, l.LastDailyReset,
		).Scan(&version)
	} else {
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET tier = $1, daily_remaining = $2, purchased_balance = $3,
				last_monthly_reset = $4, last_daily_reset = $5, version = version + 1, updated_at = now()
				WHERE user_id = $6 AND version = $7
				RETURNING version`, s.ledgersTable()),
			l.Tier.String(), l.DailyRemaining, l.PurchasedBalance,
			l.LastMonthlyReset, l.LastDailyReset, l.UserID, c.ExpectedVersion,
		).Scan(&version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Ledger{}, ports.ErrVersionConflict
	}
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: write ledger: %w", err)
	}

	// 3. Per-provider balances.
	batch := &pgx.Batch{}
	for _, p := range provider.All() {
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (user_id, provider, free_remaining, total_used)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, provider) DO UPDATE
				SET free_remaining = EXCLUDED.free_remaining, total_used = EXCLUDED.total_used`,
				s.balancesTable()),
			l.UserID, p.String(), l.FreeRemaining[p], l.TotalUsed[p],
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: write balances: %w", err)
	}

	// 4. Audit row.
	if t := c.Transaction; t != nil {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, user_id, kind, provider, source, amount, related_id,
				restored, description, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				s.transactionsTable()),
			t.ID, t.UserID, t.Kind.String(), providerName(t.Provider), t.Source.String(), t.Amount,
			t.RelatedID, t.Restored, t.Description, t.CreatedAt,
		)
		if err != nil {
			return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: insert transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Ledger{}, fmt.Errorf("tokenmeter/postgres: commit: %w", err)
	}

	saved := l.Clone()
	saved.Version = version
	return saved, nil
}

const transactionColumns = `id, user_id, kind, provider, source, amount, related_id, restored, description, created_at`

// Transaction returns one audit row or ports.ErrNotFound.
func (s *Store) Transaction(ctx context.Context, id string) (usage.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, transactionColumns, s.transactionsTable()), id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.Transaction{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.Transaction{}, fmt.Errorf("tokenmeter/postgres: transaction: %w", err)
	}
	return t, nil
}

// Transactions returns a user's audit rows, newest first. limit <= 0 returns all.
func (s *Store) Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`,
		transactionColumns, s.transactionsTable())
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter/postgres: transactions: %w", err)
	}
	defer rows.Close()

	var out []usage.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("tokenmeter/postgres: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CleanupIdempotency removes idempotency keys older than olderThan.
func (s *Store) CleanupIdempotency(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.idempotencyTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("tokenmeter/postgres: cleanup idempotency: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTransaction(row pgx.Row) (usage.Transaction, error) {
	var (
		t               usage.Transaction
		kind, prov, src string
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &prov, &src, &t.Amount,
		&t.RelatedID, &t.Restored, &t.Description, &t.CreatedAt); err != nil {
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
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func providerName(p provider.ID) string {
	if !p.Valid() {
		return ""
	}
	return p.String()
}
