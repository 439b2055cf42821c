// Package quota provides the pure debit policy over a usage ledger.
// All functions are deterministic with no side effects.
package quota

import (
	"errors"
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
)

// Outcome of a debit decision.
type Outcome uint8

const (
	Denied Outcome = iota
	Allowed
)

// String returns the outcome name.
func (o Outcome) String() string {
	if o == Allowed {
		return "allowed"
	}
	return "denied"
}

// Reasons for denial.
const (
	ReasonDailyInsufficient     = "daily limit insufficient"
	ReasonFreeInsufficient      = "insufficient free balance"
	ReasonPurchasedInsufficient = "insufficient purchased balance"
)

// ErrInvalidCost is returned for a non-positive debit amount.
var ErrInvalidCost = errors.New("cost must be positive")

// DebitRequest asks to spend Cost units against Provider (value type).
type DebitRequest struct {
	UserID      string
	Provider    provider.ID
	Cost        int64
	Description string
}

// DebitResult is the outcome of a debit (value type).
// Denials carry the exhausted source and what is left in it.
type DebitResult struct {
	Outcome       Outcome
	Source        ledger.Source
	Remaining     int64
	Reason        string
	TransactionID string
}

// Allowed reports whether the debit went through.
func (r DebitResult) Allowed() bool {
	return r.Outcome == Allowed
}

// Decide applies the debit policy to a ledger that has already had
// ledger.ApplyReset applied.
// This is a PURE function.
//
// Sources are tried in order: premium daily, free monthly for the provider,
// purchased. A source with some balance left but not enough for the cost
// denies the request outright; only an empty source falls through to the next.
//
// On Allowed the returned ledger has the debit applied and TotalUsed bumped.
// On Denied the input ledger is returned unchanged.
func Decide(l ledger.Ledger, p provider.ID, cost int64) (DebitResult, ledger.Ledger, error) {
	if cost <= 0 {
		return DebitResult{}, l, ErrInvalidCost
	}

	if l.Tier == ledger.TierPremiumDaily {
		switch {
		case l.DailyRemaining >= cost:
			return debit(l, p, ledger.SourceDaily, cost)
		case l.DailyRemaining > 0:
			return deny(l, ledger.SourceDaily, l.DailyRemaining, ReasonDailyInsufficient)
		}
	}

	free := l.FreeRemaining[p]
	switch {
	case free >= cost:
		return debit(l, p, ledger.SourceFree, cost)
	case free > 0:
		return deny(l, ledger.SourceFree, free, ReasonFreeInsufficient)
	}

	if l.PurchasedBalance >= cost {
		return debit(l, p, ledger.SourcePurchased, cost)
	}
	return deny(l, ledger.SourcePurchased, l.PurchasedBalance, ReasonPurchasedInsufficient)
}

func debit(l ledger.Ledger, p provider.ID, src ledger.Source, cost int64) (DebitResult, ledger.Ledger, error) {
	out := l.Clone()
	switch src {
	case ledger.SourceDaily:
		out.DailyRemaining -= cost
	case ledger.SourceFree:
		out.FreeRemaining[p] -= cost
	case ledger.SourcePurchased:
		out.PurchasedBalance -= cost
	}
	out.TotalUsed[p] += cost

	return DebitResult{
		Outcome:   Allowed,
		Source:    src,
		Remaining: out.Balance(src, p),
	}, out, nil
}

func deny(l ledger.Ledger, src ledger.Source, remaining int64, reason string) (DebitResult, ledger.Ledger, error) {
	return DebitResult{
		Outcome:   Denied,
		Source:    src,
		Remaining: remaining,
		Reason:    reason,
	}, l, nil
}

// Refund reverses a debit of amount units taken from src at debitedAt.
// This is a PURE function.
//
// Purchased units are always returned. Free and daily units are returned
// only while the period they were drawn from is still current: once that
// balance has been refilled by a reset, the refund is recorded but the
// balance is left alone so it cannot exceed the allowance. Daily units are
// also dropped when the user is no longer on the premium tier. TotalUsed is
// never decremented.
//
// Returns the updated ledger and whether any balance was restored.
func Refund(l ledger.Ledger, p provider.ID, src ledger.Source, amount int64, debitedAt time.Time) (ledger.Ledger, bool) {
	if amount <= 0 {
		return l, false
	}

	switch src {
	case ledger.SourcePurchased:
		out := l.Clone()
		out.PurchasedBalance += amount
		return out, true
	case ledger.SourceFree:
		if l.LastMonthlyReset.After(debitedAt) {
			return l, false
		}
		out := l.Clone()
		out.FreeRemaining[p] += amount
		return out, true
	case ledger.SourceDaily:
		if l.Tier != ledger.TierPremiumDaily || l.LastDailyReset.After(debitedAt) {
			return l, false
		}
		out := l.Clone()
		out.DailyRemaining += amount
		return out, true
	default:
		return l, false
	}
}

// Sum returns the total spendable balance for a provider across all sources.
// This is a PURE function.
func Sum(l ledger.Ledger, p provider.ID) int64 {
	total := l.FreeRemaining[p] + l.PurchasedBalance
	if l.Tier == ledger.TierPremiumDaily {
		total += l.DailyRemaining
	}
	return total
}
