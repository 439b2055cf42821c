package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
)

var (
	baseTime   = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	allowances = ledger.Allowances{
		FreeMonthly: map[provider.ID]int64{
			provider.Gemini: 1000,
			provider.OpenAI: 500,
		},
		PremiumDaily: 200,
	}
)

func TestNew_Defaults(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)

	if l.UserID != "user-1" {
		t.Errorf("UserID = %s, want user-1", l.UserID)
	}
	if l.Tier != ledger.TierFree {
		t.Errorf("Tier = %v, want free", l.Tier)
	}
	if l.FreeRemaining[provider.Gemini] != 1000 {
		t.Errorf("FreeRemaining[gemini] = %d, want 1000", l.FreeRemaining[provider.Gemini])
	}
	if l.FreeRemaining[provider.Anthropic] != 0 {
		t.Errorf("FreeRemaining[anthropic] = %d, want 0", l.FreeRemaining[provider.Anthropic])
	}
	if l.DailyRemaining != 0 || l.PurchasedBalance != 0 {
		t.Errorf("daily=%d purchased=%d, want 0/0", l.DailyRemaining, l.PurchasedBalance)
	}
	for _, p := range provider.All() {
		if _, ok := l.TotalUsed[p]; !ok {
			t.Errorf("TotalUsed missing %s", p)
		}
	}
	if !l.LastMonthlyReset.Equal(baseTime) || !l.LastDailyReset.Equal(baseTime) {
		t.Error("reset timestamps should equal now")
	}
	if l.Version != 0 {
		t.Errorf("Version = %d, want 0", l.Version)
	}
}

func TestClone_Independent(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	c := l.Clone()
	c.FreeRemaining[provider.Gemini] = 1
	c.TotalUsed[provider.Gemini] = 99

	if l.FreeRemaining[provider.Gemini] != 1000 {
		t.Errorf("original FreeRemaining mutated: %d", l.FreeRemaining[provider.Gemini])
	}
	if l.TotalUsed[provider.Gemini] != 0 {
		t.Errorf("original TotalUsed mutated: %d", l.TotalUsed[provider.Gemini])
	}
}

func TestApplyReset_SameDayNoop(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	l.FreeRemaining[provider.Gemini] = 10

	got, changed := ledger.ApplyReset(l, allowances, baseTime.Add(3*time.Hour))
	if changed {
		t.Error("expected no change within the same day")
	}
	if got.FreeRemaining[provider.Gemini] != 10 {
		t.Errorf("FreeRemaining = %d, want 10", got.FreeRemaining[provider.Gemini])
	}
}

func TestApplyReset_Monthly(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	l.FreeRemaining[provider.Gemini] = 10
	l.TotalUsed[provider.Gemini] = 990

	now := time.Date(2024, 2, 1, 0, 0, 1, 0, time.UTC)
	got, changed := ledger.ApplyReset(l, allowances, now)

	if !changed {
		t.Fatal("expected monthly reset")
	}
	if got.FreeRemaining[provider.Gemini] != 1000 {
		t.Errorf("FreeRemaining[gemini] = %d, want 1000", got.FreeRemaining[provider.Gemini])
	}
	if got.FreeRemaining[provider.OpenAI] != 500 {
		t.Errorf("FreeRemaining[openai] = %d, want 500", got.FreeRemaining[provider.OpenAI])
	}
	if got.TotalUsed[provider.Gemini] != 990 {
		t.Errorf("TotalUsed must survive resets: got %d", got.TotalUsed[provider.Gemini])
	}
	if !got.LastMonthlyReset.Equal(now) {
		t.Errorf("LastMonthlyReset = %v, want %v", got.LastMonthlyReset, now)
	}
	// Input untouched.
	if l.FreeRemaining[provider.Gemini] != 10 {
		t.Error("ApplyReset mutated its input")
	}
}

func TestApplyReset_DailyBoundary(t *testing.T) {
	day := time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC)
	l := ledger.New("user-1", allowances, day)
	l.Tier = ledger.TierPremiumDaily
	l.DailyRemaining = 0

	before, changed := ledger.ApplyReset(l, allowances, day)
	if changed || before.DailyRemaining != 0 {
		t.Fatalf("before midnight: changed=%v daily=%d, want false/0", changed, before.DailyRemaining)
	}

	after, changed := ledger.ApplyReset(l, allowances, day.Add(2*time.Second))
	if !changed {
		t.Fatal("expected daily reset after midnight")
	}
	if after.DailyRemaining != 200 {
		t.Errorf("DailyRemaining = %d, want 200", after.DailyRemaining)
	}
}

func TestApplyReset_DailyNonPremiumGetsZero(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	l.DailyRemaining = 50 // stale value from an old premium period

	got, _ := ledger.ApplyReset(l, allowances, baseTime.AddDate(0, 0, 1))
	if got.DailyRemaining != 0 {
		t.Errorf("DailyRemaining = %d, want 0 for free tier", got.DailyRemaining)
	}
}

func TestApplyReset_BothFireOnFirstOfMonth(t *testing.T) {
	last := time.Date(2024, 1, 31, 22, 0, 0, 0, time.UTC)
	l := ledger.New("user-1", allowances, last)
	l.Tier = ledger.TierPremiumDaily
	l.FreeRemaining[provider.Gemini] = 0
	l.DailyRemaining = 0

	now := time.Date(2024, 2, 1, 0, 0, 1, 0, time.UTC)
	got, _ := ledger.ApplyReset(l, allowances, now)

	if got.FreeRemaining[provider.Gemini] != 1000 {
		t.Errorf("FreeRemaining = %d, want 1000", got.FreeRemaining[provider.Gemini])
	}
	if got.DailyRemaining != 200 {
		t.Errorf("DailyRemaining = %d, want 200", got.DailyRemaining)
	}
}

func TestApplyReset_Idempotent(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	l.Tier = ledger.TierPremiumDaily
	l.FreeRemaining[provider.Gemini] = 3

	now := baseTime.AddDate(0, 1, 0)
	once, _ := ledger.ApplyReset(l, allowances, now)
	twice, changed := ledger.ApplyReset(once, allowances, now)

	if changed {
		t.Error("second ApplyReset with the same time should be a no-op")
	}
	if twice.FreeRemaining[provider.Gemini] != once.FreeRemaining[provider.Gemini] ||
		twice.DailyRemaining != once.DailyRemaining ||
		!twice.LastDailyReset.Equal(once.LastDailyReset) {
		t.Error("ApplyReset is not idempotent")
	}
}

func TestApplyReset_UsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	a := allowances
	a.Location = tokyo

	// 14:00 UTC on Jan 15 is 23:00 in Tokyo; 16:00 UTC is 01:00 on Jan 16.
	last := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	l := ledger.New("user-1", a, last)
	l.Tier = ledger.TierPremiumDaily

	got, changed := ledger.ApplyReset(l, a, last.Add(2*time.Hour))
	if !changed {
		t.Fatal("expected reset across Tokyo midnight")
	}
	if got.DailyRemaining != 200 {
		t.Errorf("DailyRemaining = %d, want 200", got.DailyRemaining)
	}

	_, changed = ledger.ApplyReset(l, allowances, last.Add(2*time.Hour))
	if changed {
		t.Error("no reset expected in UTC for the same instants")
	}
}

func TestNextResets(t *testing.T) {
	d := ledger.NextDailyReset(baseTime, nil)
	if want := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC); !d.Equal(want) {
		t.Errorf("NextDailyReset = %v, want %v", d, want)
	}
	m := ledger.NextMonthlyReset(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), nil)
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !m.Equal(want) {
		t.Errorf("NextMonthlyReset = %v, want %v", m, want)
	}
}

func TestCredit(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)

	got := ledger.Credit(l, 500)
	if got.PurchasedBalance != 500 {
		t.Errorf("PurchasedBalance = %d, want 500", got.PurchasedBalance)
	}
	if l.PurchasedBalance != 0 {
		t.Error("Credit mutated its input")
	}

	for _, amount := range []int64{0, -10} {
		if ledger.Credit(got, amount).PurchasedBalance != 500 {
			t.Errorf("Credit(%d) should be a no-op", amount)
		}
	}
}

func TestSetTier(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)

	premium := ledger.SetTier(l, ledger.TierPremiumDaily, allowances, baseTime)
	if premium.Tier != ledger.TierPremiumDaily {
		t.Errorf("Tier = %v, want premium_daily", premium.Tier)
	}
	if premium.DailyRemaining != 200 {
		t.Errorf("DailyRemaining = %d, want 200", premium.DailyRemaining)
	}

	premium.DailyRemaining = 120
	back := ledger.SetTier(premium, ledger.TierFree, allowances, baseTime)
	if back.DailyRemaining != 0 {
		t.Errorf("DailyRemaining after downgrade = %d, want 0", back.DailyRemaining)
	}

	same := ledger.SetTier(premium, ledger.TierPremiumDaily, allowances, baseTime)
	if same.DailyRemaining != 120 {
		t.Errorf("same-tier SetTier changed DailyRemaining to %d", same.DailyRemaining)
	}
}

func TestEntitled(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	if l.Entitled() {
		t.Error("fresh free user should not be entitled")
	}
	if !ledger.Credit(l, 1).Entitled() {
		t.Error("user with purchased balance should be entitled")
	}
	l.Tier = ledger.TierPremiumDaily
	if !l.Entitled() {
		t.Error("premium user should be entitled")
	}
}

func TestValidate(t *testing.T) {
	l := ledger.New("user-1", allowances, baseTime)
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate fresh ledger: %v", err)
	}

	bad := l.Clone()
	bad.FreeRemaining[provider.Gemini] = -1
	if err := bad.Validate(); !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Errorf("err = %v, want ErrNegativeBalance", err)
	}

	bad = l.Clone()
	bad.PurchasedBalance = -5
	if err := bad.Validate(); !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Errorf("err = %v, want ErrNegativeBalance", err)
	}
}

func TestParseTierAndSource(t *testing.T) {
	for _, tier := range []ledger.Tier{ledger.TierFree, ledger.TierPremiumDaily, ledger.TierPurchased} {
		got, err := ledger.ParseTier(tier.String())
		if err != nil || got != tier {
			t.Errorf("ParseTier(%q) = %v, %v", tier.String(), got, err)
		}
	}
	if _, err := ledger.ParseTier("gold"); err == nil {
		t.Error("expected error for unknown tier")
	}

	for _, src := range []ledger.Source{ledger.SourceFree, ledger.SourceDaily, ledger.SourcePurchased} {
		got, err := ledger.ParseSource(src.String())
		if err != nil || got != src {
			t.Errorf("ParseSource(%q) = %v, %v", src.String(), got, err)
		}
	}
}
