package ledger

import "time"

// Credit adds a purchased amount to the balance.
// This is a PURE function. It never fails: a non-positive amount is a no-op.
func Credit(l Ledger, amount int64) Ledger {
	if amount <= 0 {
		return l
	}
	out := l.Clone()
	out.PurchasedBalance += amount
	return out
}

// SetTier moves the ledger to a new tier.
// This is a PURE function.
//
// Entering PremiumDaily grants the daily allowance immediately so an upgrade
// is usable the same day. Leaving it drops whatever daily balance remains.
func SetTier(l Ledger, tier Tier, a Allowances, now time.Time) Ledger {
	if l.Tier == tier {
		return l
	}
	out := l.Clone()
	out.Tier = tier
	switch {
	case tier == TierPremiumDaily:
		out.DailyRemaining = a.PremiumDaily
		out.LastDailyReset = now
	case l.Tier == TierPremiumDaily:
		out.DailyRemaining = 0
	}
	return out
}
