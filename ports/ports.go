// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/tokenmeter/domain/inference"
	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/ratelimit"
	"github.com/artpar/tokenmeter/domain/usage"
)

// Store errors shared by every adapter.
var (
	// ErrNotFound is returned when a ledger or transaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by LedgerStore.Commit when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("ledger version conflict")

	// ErrDuplicate is returned by LedgerStore.Commit when the idempotency key
	// has already been recorded. Nothing is written.
	ErrDuplicate = errors.New("duplicate idempotency key")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Ledger Ports
// -----------------------------------------------------------------------------

// LedgerCommit is one atomic ledger write.
type LedgerCommit struct {
	// Ledger is the new state. Its Version field is ignored.
	Ledger ledger.Ledger

	// ExpectedVersion must match the stored version; zero means the ledger
	// must not exist yet.
	ExpectedVersion int64

	// Transaction is appended to the audit log in the same write when set.
	Transaction *usage.Transaction

	// IdempotencyKey, when set, is recorded in the same write. A key that was
	// already recorded fails the whole commit with ErrDuplicate.
	IdempotencyKey string
}

// LedgerStore persists ledgers with optimistic concurrency.
type LedgerStore interface {
	// Load returns the stored ledger or ErrNotFound.
	Load(ctx context.Context, userID string) (ledger.Ledger, error)

	// Commit writes the ledger, audit row and idempotency key atomically and
	// returns the stored ledger with its new version (ExpectedVersion + 1).
	Commit(ctx context.Context, c LedgerCommit) (ledger.Ledger, error)

	// Transaction returns one audit row by id or ErrNotFound.
	Transaction(ctx context.Context, id string) (usage.Transaction, error)

	// Transactions returns a user's most recent audit rows, newest first.
	Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error)
}

// UserDirectory answers whether a user id is known. The engine treats every
// non-empty id as known when no directory is configured.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// -----------------------------------------------------------------------------
// Rate Limit Ports
// -----------------------------------------------------------------------------

// RateLimitStore applies ratelimit.Check atomically per key.
type RateLimitStore interface {
	// GetAndCheck loads the window state, checks and counts the request, and
	// stores the new state as one atomic step.
	GetAndCheck(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error)
}

// -----------------------------------------------------------------------------
// Cache Ports
// -----------------------------------------------------------------------------

// ResponseCache stores serialized responses by content key.
type ResponseCache interface {
	// Get returns the cached value and true, or false on a miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key for ttl. An existing live entry is kept.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// -----------------------------------------------------------------------------
// Upstream Ports
// -----------------------------------------------------------------------------

// Invoker performs inference against an upstream provider.
type Invoker interface {
	Invoke(ctx context.Context, p provider.ID, req inference.Request) (inference.Response, error)
}
