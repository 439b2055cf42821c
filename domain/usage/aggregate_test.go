package usage_test

import (
	"testing"
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/usage"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestAggregate(t *testing.T) {
	debit1 := usage.NewDebit("t1", "user-1", provider.Gemini, ledger.SourceFree, 300, "chat", baseTime)
	debit2 := usage.NewDebit("t2", "user-1", provider.OpenAI, ledger.SourcePurchased, 100, "chat", baseTime.Add(time.Minute))
	refund := usage.NewRefund("t3", debit2, true, baseTime.Add(2*time.Minute))
	credit := usage.NewCredit("t4", "user-1", 500, "purchase", baseTime.Add(3*time.Minute))
	outside := usage.NewDebit("t5", "user-1", provider.Gemini, ledger.SourceFree, 999, "old", baseTime.AddDate(0, -1, 0))

	start, end := usage.MonthBounds(baseTime, nil)
	s := usage.Aggregate([]usage.Transaction{debit1, debit2, refund, credit, outside}, start, end)

	if s.UserID != "user-1" {
		t.Errorf("UserID = %s, want user-1", s.UserID)
	}
	if s.Debits != 2 {
		t.Errorf("Debits = %d, want 2", s.Debits)
	}
	if s.Refunds != 1 {
		t.Errorf("Refunds = %d, want 1", s.Refunds)
	}
	if s.Credited != 500 {
		t.Errorf("Credited = %d, want 500", s.Credited)
	}
	if s.ByProvider[provider.Gemini] != 300 {
		t.Errorf("ByProvider[gemini] = %d, want 300", s.ByProvider[provider.Gemini])
	}
	if s.ByProvider[provider.OpenAI] != 0 {
		t.Errorf("ByProvider[openai] = %d, want 0 after refund", s.ByProvider[provider.OpenAI])
	}
	if s.BySource[ledger.SourceFree] != 300 {
		t.Errorf("BySource[free] = %d, want 300", s.BySource[ledger.SourceFree])
	}
	if s.Net() != 300 {
		t.Errorf("Net = %d, want 300", s.Net())
	}
}

func TestAggregate_Empty(t *testing.T) {
	s := usage.Aggregate(nil, baseTime, baseTime.Add(time.Hour))
	if s.Debits != 0 || s.Net() != 0 {
		t.Errorf("empty summary = %+v", s)
	}
	if !s.PeriodStart.Equal(baseTime) {
		t.Errorf("PeriodStart = %v, want %v", s.PeriodStart, baseTime)
	}
}

func TestMonthBounds(t *testing.T) {
	start, end := usage.MonthBounds(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), nil)
	if want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC); !end.Equal(want) {
		t.Errorf("end = %v, want %v", end, want)
	}
}

func TestNewRefund_LinksDebit(t *testing.T) {
	debit := usage.NewDebit("t1", "user-1", provider.Gemini, ledger.SourceDaily, 42, "chat", baseTime)
	r := usage.NewRefund("t2", debit, false, baseTime.Add(time.Second))

	if r.Kind != usage.KindRefund || r.RelatedID != "t1" {
		t.Errorf("Kind/RelatedID = %v/%s", r.Kind, r.RelatedID)
	}
	if r.Amount != 42 || r.Source != ledger.SourceDaily || r.Provider != provider.Gemini {
		t.Errorf("refund does not mirror debit: %+v", r)
	}
	if r.Restored {
		t.Error("Restored should carry through as false")
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []usage.Kind{usage.KindDebit, usage.KindRefund, usage.KindCredit, usage.KindTierChange} {
		got, err := usage.ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := usage.ParseKind("bogus"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
