package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
)

// Engine errors.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrConcurrencyConflict = errors.New("ledger concurrency conflict")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotRefundable       = errors.New("transaction is not a debit")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrMissingEventID      = errors.New("billing event id is required")
	ErrNotConfigured       = errors.New("engine dependency not configured")
)

// QuotaDenied is the typed outcome of a debit the ledger could not cover.
// Source names the exhausted balance and Remaining what is left in it.
type QuotaDenied struct {
	Provider  provider.ID
	Source    ledger.Source
	Reason    string
	Remaining int64
}

// RateLimited is the typed outcome of a request rejected by admission control.
type RateLimited struct {
	Provider   provider.ID
	RetryAfter time.Duration
	ResetAt    time.Time
}

// ProviderError reports an inference failure after a committed debit.
// Refunded tells whether the compensating refund was written.
type ProviderError struct {
	Provider      provider.ID
	TransactionID string
	Refunded      bool
	Err           error
}

func (e *ProviderError) Error() string {
	state := "refunded"
	if !e.Refunded {
		state = "refund pending"
	}
	return fmt.Sprintf("provider %s unavailable (txn %s, %s): %v", e.Provider, e.TransactionID, state, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProviderUnavailable) match.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderUnavailable
}
