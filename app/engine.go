// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/artpar/tokenmeter/adapters/metrics"
	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/quota"
	"github.com/artpar/tokenmeter/domain/ratelimit"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/ports"
)

// Engine meters inference requests against per-user ledgers.
type Engine struct {
	store   ports.LedgerStore
	limiter ports.RateLimitStore
	cache   ports.ResponseCache
	invoker ports.Invoker
	users   ports.UserDirectory
	clock   ports.Clock
	ids     ports.IDGenerator
	logger  zerolog.Logger
	metrics *metrics.Collector

	locks  userLocks
	flight singleflight.Group

	// Dynamic configuration (hot-reloadable)
	settings atomic.Pointer[Settings]
}

// Deps contains dependencies for Engine.
// Cache, Users and Metrics are optional.
type Deps struct {
	Store       ports.LedgerStore
	RateLimiter ports.RateLimitStore
	Cache       ports.ResponseCache
	Invoker     ports.Invoker
	Users       ports.UserDirectory
	Clock       ports.Clock
	IDs         ports.IDGenerator
	Logger      zerolog.Logger
	Metrics     *metrics.Collector
}

// Settings contains hot-reloadable engine configuration.
type Settings struct {
	Catalog         provider.Catalog
	PremiumDaily    int64          // Daily allowance for the premium tier
	Location        *time.Location // Calendar for resets, UTC when nil
	ConflictRetries int            // Extra attempts after a version conflict
	InvokeTimeout   time.Duration  // Upper bound on one inference call
	CacheTTL        time.Duration  // Zero disables response caching
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Catalog:         provider.DefaultCatalog(),
		PremiumDaily:    50_000,
		Location:        time.UTC,
		ConflictRetries: 5,
		InvokeTimeout:   60 * time.Second,
		CacheTTL:        5 * time.Minute,
	}
}

// Allowances returns the reset amounts derived from the settings.
func (s Settings) Allowances() ledger.Allowances {
	return ledger.Allowances{
		FreeMonthly:  s.Catalog.FreeAllowances(),
		PremiumDaily: s.PremiumDaily,
		Location:     s.Location,
	}
}

// Validate checks the settings are usable.
func (s Settings) Validate() error {
	if err := s.Catalog.Validate(); err != nil {
		return err
	}
	if s.PremiumDaily < 0 {
		return fmt.Errorf("premium daily allowance must not be negative")
	}
	if s.ConflictRetries < 0 {
		return fmt.Errorf("conflict retries must not be negative")
	}
	if s.InvokeTimeout <= 0 {
		return fmt.Errorf("invoke timeout must be positive")
	}
	if s.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	return nil
}

// NewEngine creates an engine. Store, RateLimiter, Invoker, Clock and IDs
// are required.
func NewEngine(deps Deps, s Settings) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: ledger store", ErrNotConfigured)
	case deps.RateLimiter == nil:
		return nil, fmt.Errorf("%w: rate limiter", ErrNotConfigured)
	case deps.Invoker == nil:
		return nil, fmt.Errorf("%w: invoker", ErrNotConfigured)
	case deps.Clock == nil:
		return nil, fmt.Errorf("%w: clock", ErrNotConfigured)
	case deps.IDs == nil:
		return nil, fmt.Errorf("%w: id generator", ErrNotConfigured)
	}

	e := &Engine{
		store:   deps.Store,
		limiter: deps.RateLimiter,
		cache:   deps.Cache,
		invoker: deps.Invoker,
		users:   deps.Users,
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
	if err := e.UpdateConfig(s); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig swaps the hot-reloadable settings.
// This is thread-safe and can be called while requests are in flight.
func (e *Engine) UpdateConfig(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid engine settings: %w", err)
	}
	e.settings.Store(&s)
	return nil
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// checkUser fails with ErrUserNotFound for an empty id or one the
// directory does not know.
func (e *Engine) checkUser(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserNotFound
	}
	if e.users == nil {
		return nil
	}
	ok, err := e.users.Exists(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

// view loads a ledger with resets applied, without persisting anything.
// A user with no stored ledger gets a fresh one.
func (e *Engine) view(ctx context.Context, userID string, s Settings, now time.Time) (ledger.Ledger, error) {
	l, err := e.store.Load(ctx, userID)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return ledger.New(userID, s.Allowances(), now), nil
	case err != nil:
		return ledger.Ledger{}, fmt.Errorf("load ledger: %w", err)
	}
	l, _ = ledger.ApplyReset(l, s.Allowances(), now)
	return l, nil
}

// mutation decides the next ledger state. Returning write=false commits
// nothing.
type mutation func(l ledger.Ledger, now time.Time) (c ports.LedgerCommit, write bool, err error)

// mutate runs load, reset, decide and commit for one user under the user
// lock, retrying the whole step when another writer wins the version race.
// ports.ErrDuplicate is returned unwrapped so callers can match replays.
func (e *Engine) mutate(ctx context.Context, userID string, s Settings, fn mutation) (ledger.Ledger, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	allowances := s.Allowances()
	for attempt := 0; attempt <= s.ConflictRetries; attempt++ {
		now := e.clock.Now()

		current, err := e.store.Load(ctx, userID)
		var expected int64
		switch {
		case errors.Is(err, ports.ErrNotFound):
			current = ledger.New(userID, allowances, now)
		case err != nil:
			return ledger.Ledger{}, fmt.Errorf("load ledger: %w", err)
		default:
			expected = current.Version
		}
		current, _ = ledger.ApplyReset(current, allowances, now)

		commit, write, err := fn(current, now)
		if err != nil || !write {
			return current, err
		}
		if err := commit.Ledger.Validate(); err != nil {
			return ledger.Ledger{}, fmt.Errorf("ledger %s: %w", userID, err)
		}
		commit.ExpectedVersion = expected

		saved, err := e.store.Commit(ctx, commit)
		switch {
		case err == nil:
			return saved, nil
		case errors.Is(err, ports.ErrVersionConflict):
			e.metrics.RecordConflict()
			e.logger.Debug().
				Str("user_id", userID).
				Int("attempt", attempt+1).
				Msg("ledger version conflict, retrying")
		case errors.Is(err, ports.ErrDuplicate):
			return current, err
		default:
			return ledger.Ledger{}, fmt.Errorf("commit ledger: %w", err)
		}
	}

	e.logger.Warn().
		Str("user_id", userID).
		Int("retries", s.ConflictRetries).
		Msg("ledger conflict retries exhausted")
	return ledger.Ledger{}, ErrConcurrencyConflict
}

// Debit spends req.Cost from the user's ledger without invoking a
// provider. Denials are returned as results with a nil error.
func (e *Engine) Debit(ctx context.Context, req quota.DebitRequest) (quota.DebitResult, error) {
	if err := e.checkUser(ctx, req.UserID); err != nil {
		return quota.DebitResult{}, err
	}
	if !req.Provider.Valid() {
		return quota.DebitResult{}, provider.ErrUnknown
	}
	if req.Cost <= 0 {
		return quota.DebitResult{}, quota.ErrInvalidCost
	}
	res, _, err := e.debit(ctx, req, e.Settings())
	return res, err
}

// debit commits an allowed debit with its audit row. A denial writes nothing.
func (e *Engine) debit(ctx context.Context, req quota.DebitRequest, s Settings) (quota.DebitResult, usage.Transaction, error) {
	var (
		res quota.DebitResult
		txn usage.Transaction
	)
	_, err := e.mutate(ctx, req.UserID, s, func(l ledger.Ledger, now time.Time) (ports.LedgerCommit, bool, error) {
		var (
			next ledger.Ledger
			err  error
		)
		res, next, err = quota.Decide(l, req.Provider, req.Cost)
		if err != nil || !res.Allowed() {
			return ports.LedgerCommit{}, false, err
		}
		txn = usage.NewDebit(e.ids.New(), req.UserID, req.Provider, res.Source, req.Cost, req.Description, now)
		res.TransactionID = txn.ID
		return ports.LedgerCommit{Ledger: next, Transaction: &txn}, true, nil
	})
	if err != nil {
		return quota.DebitResult{}, usage.Transaction{}, err
	}

	e.metrics.RecordCharge(res.Outcome.String(), res.Source.String(), req.Provider.String(), req.Cost)
	if !res.Allowed() {
		e.metrics.RecordDenial(res.Reason)
		e.logger.Debug().
			Str("user_id", req.UserID).
			Str("provider", req.Provider.String()).
			Str("source", res.Source.String()).
			Int64("cost", req.Cost).
			Int64("remaining", res.Remaining).
			Str("reason", res.Reason).
			Msg("debit denied")
		return res, usage.Transaction{}, nil
	}
	return res, txn, nil
}

// Refund reverses one of the user's debits. Refunding the same debit twice
// restores the balance once; the replay returns nil.
func (e *Engine) Refund(ctx context.Context, userID, txnID string) error {
	if err := e.checkUser(ctx, userID); err != nil {
		return err
	}
	txn, err := e.store.Transaction(ctx, txnID)
	if errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txnID)
	}
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if txn.UserID != userID {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txnID)
	}
	if txn.Kind != usage.KindDebit {
		return fmt.Errorf("%w: %s is a %s", ErrNotRefundable, txnID, txn.Kind)
	}
	return e.refund(ctx, txn, e.Settings())
}

// refund writes the compensating credit for debit, keyed by its id.
func (e *Engine) refund(ctx context.Context, debit usage.Transaction, s Settings) error {
	var restored bool
	_, err := e.mutate(ctx, debit.UserID, s, func(l ledger.Ledger, now time.Time) (ports.LedgerCommit, bool, error) {
		var next ledger.Ledger
		next, restored = quota.Refund(l, debit.Provider, debit.Source, debit.Amount, debit.CreatedAt)
		rt := usage.NewRefund(e.ids.New(), debit, restored, now)
		return ports.LedgerCommit{
			Ledger:         next,
			Transaction:    &rt,
			IdempotencyKey: refundKey(debit.ID),
		}, true, nil
	})
	if errors.Is(err, ports.ErrDuplicate) {
		e.logger.Debug().Str("txn_id", debit.ID).Msg("refund already applied")
		return nil
	}
	if err != nil {
		return err
	}

	e.metrics.RecordRefund(debit.Source.String(), restored)
	e.logger.Info().
		Str("user_id", debit.UserID).
		Str("txn_id", debit.ID).
		Str("provider", debit.Provider.String()).
		Str("source", debit.Source.String()).
		Int64("amount", debit.Amount).
		Bool("restored", restored).
		Msg("debit refunded")
	return nil
}

func refundKey(txnID string) string { return "refund:" + txnID }

// TryAcquire counts one request against the user's window for p.
func (e *Engine) TryAcquire(ctx context.Context, userID string, p provider.ID) (ratelimit.CheckResult, error) {
	cfg := ratelimit.ConfigFor(e.Settings().Catalog.Get(p))
	res, err := e.limiter.GetAndCheck(ctx, ratelimit.Key(userID, p), cfg, e.clock.Now())
	if err != nil {
		return ratelimit.CheckResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		e.metrics.RecordRateLimited(p.String())
	}
	return res, nil
}

// Ledger returns the user's ledger as of now, resets applied. A user with
// no stored ledger gets the initial one. Nothing is written.
func (e *Engine) Ledger(ctx context.Context, userID string) (ledger.Ledger, error) {
	if err := e.checkUser(ctx, userID); err != nil {
		return ledger.Ledger{}, err
	}
	return e.view(ctx, userID, e.Settings(), e.clock.Now())
}

// Transactions returns the user's most recent audit rows, newest first.
// A limit of zero or less returns all of them.
func (e *Engine) Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error) {
	if err := e.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	txns, err := e.store.Transactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

// Summary aggregates the user's activity in the current calendar month.
func (e *Engine) Summary(ctx context.Context, userID string) (usage.Summary, error) {
	txns, err := e.Transactions(ctx, userID, 0)
	if err != nil {
		return usage.Summary{}, err
	}
	start, end := usage.MonthBounds(e.clock.Now(), e.Settings().Location)
	s := usage.Aggregate(txns, start, end)
	s.UserID = userID
	return s, nil
}
