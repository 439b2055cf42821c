// Package ledger provides the per-user usage ledger and its pure
// transitions: initialization, calendar resets, credits and tier changes.
// All functions return new values and never mutate their inputs.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/tokenmeter/domain/provider"
)

// Tier is the user's subscription tier.
type Tier uint8

// Tiers.
const (
	TierFree Tier = iota
	TierPremiumDaily
	TierPurchased
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPremiumDaily:
		return "premium_daily"
	case TierPurchased:
		return "purchased"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// ParseTier maps a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return TierFree, nil
	case "premium_daily", "premium":
		return TierPremiumDaily, nil
	case "purchased":
		return TierPurchased, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Source identifies which balance a debit drew from.
type Source uint8

// Sources.
const (
	SourceNone Source = iota
	SourceFree
	SourceDaily
	SourcePurchased
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceFree:
		return "free"
	case SourceDaily:
		return "daily"
	case SourcePurchased:
		return "purchased"
	default:
		return "none"
	}
}

// ParseSource maps a source name to a Source.
func ParseSource(s string) (Source, error) {
	switch s {
	case "free":
		return SourceFree, nil
	case "daily":
		return SourceDaily, nil
	case "purchased":
		return SourcePurchased, nil
	case "none", "":
		return SourceNone, nil
	default:
		return 0, fmt.Errorf("unknown source %q", s)
	}
}

// ErrNegativeBalance is returned by Validate when any balance is below zero.
var ErrNegativeBalance = errors.New("negative balance")

// Ledger is a user's quota state.
type Ledger struct {
	UserID           string
	Tier             Tier
	FreeRemaining    map[provider.ID]int64
	DailyRemaining   int64
	PurchasedBalance int64
	TotalUsed        map[provider.ID]int64
	LastMonthlyReset time.Time
	LastDailyReset   time.Time

	// Version is the optimistic concurrency token. Zero means never stored.
	Version int64
}

// Allowances are the refill amounts applied by resets.
type Allowances struct {
	FreeMonthly  map[provider.ID]int64
	PremiumDaily int64
	Location     *time.Location // Calendar used for resets, UTC when nil
}

func (a Allowances) location() *time.Location {
	if a.Location == nil {
		return time.UTC
	}
	return a.Location
}

// dailyFor returns the daily allowance a tier receives.
func (a Allowances) dailyFor(t Tier) int64 {
	if t == TierPremiumDaily {
		return a.PremiumDaily
	}
	return 0
}

// New returns the initial ledger for a user seen for the first time:
// free tier, full free allowance, zeroed counters.
func New(userID string, a Allowances, now time.Time) Ledger {
	l := Ledger{
		UserID:           userID,
		Tier:             TierFree,
		FreeRemaining:    make(map[provider.ID]int64, len(provider.All())),
		TotalUsed:        make(map[provider.ID]int64, len(provider.All())),
		LastMonthlyReset: now,
		LastDailyReset:   now,
	}
	for _, p := range provider.All() {
		l.FreeRemaining[p] = a.FreeMonthly[p]
		l.TotalUsed[p] = 0
	}
	return l
}

// Clone returns a deep copy of l.
func (l Ledger) Clone() Ledger {
	out := l
	out.FreeRemaining = make(map[provider.ID]int64, len(l.FreeRemaining))
	for k, v := range l.FreeRemaining {
		out.FreeRemaining[k] = v
	}
	out.TotalUsed = make(map[provider.ID]int64, len(l.TotalUsed))
	for k, v := range l.TotalUsed {
		out.TotalUsed[k] = v
	}
	return out
}

// Entitled reports whether the user may use paid-only providers.
func (l Ledger) Entitled() bool {
	return l.Tier == TierPremiumDaily || l.Tier == TierPurchased || l.PurchasedBalance > 0
}

// Balance returns the remaining amount in a source for a provider.
func (l Ledger) Balance(src Source, p provider.ID) int64 {
	switch src {
	case SourceFree:
		return l.FreeRemaining[p]
	case SourceDaily:
		return l.DailyRemaining
	case SourcePurchased:
		return l.PurchasedBalance
	default:
		return 0
	}
}

// Validate checks that every balance is non-negative.
func (l Ledger) Validate() error {
	if l.UserID == "" {
		return errors.New("ledger has no user id")
	}
	if l.DailyRemaining < 0 {
		return fmt.Errorf("%w: daily_remaining=%d", ErrNegativeBalance, l.DailyRemaining)
	}
	if l.PurchasedBalance < 0 {
		return fmt.Errorf("%w: purchased_balance=%d", ErrNegativeBalance, l.PurchasedBalance)
	}
	for p, v := range l.FreeRemaining {
		if v < 0 {
			return fmt.Errorf("%w: free_remaining[%s]=%d", ErrNegativeBalance, p, v)
		}
	}
	for p, v := range l.TotalUsed {
		if v < 0 {
			return fmt.Errorf("%w: total_used[%s]=%d", ErrNegativeBalance, p, v)
		}
	}
	return nil
}
