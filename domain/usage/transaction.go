// Package usage provides the append-only ledger audit record and pure
// aggregation over it.
package usage

import (
	"fmt"
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
)

// Kind classifies a ledger transaction.
type Kind uint8

const (
	KindDebit Kind = iota + 1
	KindRefund
	KindCredit
	KindTierChange
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDebit:
		return "debit"
	case KindRefund:
		return "refund"
	case KindCredit:
		return "credit"
	case KindTierChange:
		return "tier_change"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "debit":
		return KindDebit, nil
	case "refund":
		return KindRefund, nil
	case "credit":
		return KindCredit, nil
	case "tier_change":
		return KindTierChange, nil
	default:
		return 0, fmt.Errorf("unknown transaction kind %q", s)
	}
}

// Transaction is one committed ledger mutation (immutable value type).
// Every allowed debit has exactly one debit transaction.
type Transaction struct {
	ID          string
	UserID      string
	Kind        Kind
	Provider    provider.ID   // Zero for credits and tier changes
	Source      ledger.Source // Balance debited or refunded
	Amount      int64         // Always non-negative
	RelatedID   string        // For refunds, the debit being reversed
	Restored    bool          // For refunds, whether the balance was put back
	Description string
	CreatedAt   time.Time
}

// NewDebit builds the audit record for an allowed debit.
func NewDebit(id, userID string, p provider.ID, src ledger.Source, amount int64, description string, now time.Time) Transaction {
	return Transaction{
		ID:          id,
		UserID:      userID,
		Kind:        KindDebit,
		Provider:    p,
		Source:      src,
		Amount:      amount,
		Description: description,
		CreatedAt:   now,
	}
}

// NewRefund builds the audit record reversing debit.
func NewRefund(id string, debit Transaction, restored bool, now time.Time) Transaction {
	return Transaction{
		ID:          id,
		UserID:      debit.UserID,
		Kind:        KindRefund,
		Provider:    debit.Provider,
		Source:      debit.Source,
		Amount:      debit.Amount,
		RelatedID:   debit.ID,
		Restored:    restored,
		Description: "refund of " + debit.ID,
		CreatedAt:   now,
	}
}

// NewCredit builds the audit record for a purchase credit.
func NewCredit(id, userID string, amount int64, description string, now time.Time) Transaction {
	return Transaction{
		ID:          id,
		UserID:      userID,
		Kind:        KindCredit,
		Source:      ledger.SourcePurchased,
		Amount:      amount,
		Description: description,
		CreatedAt:   now,
	}
}

// NewTierChange builds the audit record for a tier change.
func NewTierChange(id, userID string, from, to ledger.Tier, now time.Time) Transaction {
	return Transaction{
		ID:          id,
		UserID:      userID,
		Kind:        KindTierChange,
		Description: from.String() + " -> " + to.String(),
		CreatedAt:   now,
	}
}
