package usage

import (
	"time"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
)

// Summary aggregates a user's transactions over a period (value type).
type Summary struct {
	UserID      string
	PeriodStart time.Time
	PeriodEnd   time.Time

	Debits   int64 // Number of debit transactions
	Refunds  int64 // Number of refund transactions
	Credited int64 // Units credited by purchases

	// Net units charged per provider and per source, after refunds.
	ByProvider map[provider.ID]int64
	BySource   map[ledger.Source]int64
}

// Aggregate combines transactions with CreatedAt in [start, end) into a summary.
// This is a PURE function.
func Aggregate(txns []Transaction, start, end time.Time) Summary {
	s := Summary{
		PeriodStart: start,
		PeriodEnd:   end,
		ByProvider:  make(map[provider.ID]int64),
		BySource:    make(map[ledger.Source]int64),
	}

	for _, t := range txns {
		if t.CreatedAt.Before(start) || !t.CreatedAt.Before(end) {
			continue
		}
		if s.UserID == "" {
			s.UserID = t.UserID
		}

		switch t.Kind {
		case KindDebit:
			s.Debits++
			s.ByProvider[t.Provider] += t.Amount
			s.BySource[t.Source] += t.Amount
		case KindRefund:
			s.Refunds++
			s.ByProvider[t.Provider] -= t.Amount
			s.BySource[t.Source] -= t.Amount
		case KindCredit:
			s.Credited += t.Amount
		}
	}

	return s
}

// Net returns the total net units charged across providers.
func (s Summary) Net() int64 {
	var total int64
	for _, v := range s.ByProvider {
		total += v
	}
	return total
}

// MonthBounds returns the calendar month containing t in loc.
// This is a PURE function.
func MonthBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	end = start.AddDate(0, 1, 0)
	return start, end
}
