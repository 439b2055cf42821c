package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/tokenmeter/adapters/metrics"
	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/ports"
)

// BillingService applies payment notifications to ledgers.
// Every event carries an id; replaying an id changes nothing.
type BillingService struct {
	engine  *Engine
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewBillingService creates a billing service writing through engine.
func NewBillingService(engine *Engine, logger zerolog.Logger, m *metrics.Collector) *BillingService {
	return &BillingService{
		engine:  engine,
		logger:  logger,
		metrics: m,
	}
}

// BillingResult reports whether an event was applied and the ledger after it.
type BillingResult struct {
	Applied bool
	Ledger  ledger.Ledger
}

// CreditPurchase adds amount to the user's purchased balance.
func (s *BillingService) CreditPurchase(ctx context.Context, eventID, userID string, amount int64) (BillingResult, error) {
	if eventID == "" {
		return BillingResult{}, ErrMissingEventID
	}
	if amount <= 0 {
		return BillingResult{}, ErrInvalidAmount
	}
	if err := s.engine.checkUser(ctx, userID); err != nil {
		return BillingResult{}, err
	}

	l, err := s.engine.mutate(ctx, userID, s.engine.Settings(), func(l ledger.Ledger, now time.Time) (ports.LedgerCommit, bool, error) {
		txn := usage.NewCredit(s.engine.ids.New(), userID, amount, "purchase "+eventID, now)
		return ports.LedgerCommit{
			Ledger:         ledger.Credit(l, amount),
			Transaction:    &txn,
			IdempotencyKey: "credit:" + eventID,
		}, true, nil
	})
	res, err := s.result("credit", eventID, userID, l, err)
	if err != nil || !res.Applied {
		return res, err
	}

	s.logger.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Int64("amount", amount).
		Int64("purchased_balance", res.Ledger.PurchasedBalance).
		Msg("purchase credited")
	return res, nil
}

// SetTier moves the user to tier. Entering the premium tier grants the daily
// allowance at once; leaving it zeroes the daily balance.
func (s *BillingService) SetTier(ctx context.Context, eventID, userID string, tier ledger.Tier) (BillingResult, error) {
	if eventID == "" {
		return BillingResult{}, ErrMissingEventID
	}
	if err := s.engine.checkUser(ctx, userID); err != nil {
		return BillingResult{}, err
	}

	var from ledger.Tier
	settings := s.engine.Settings()
	l, err := s.engine.mutate(ctx, userID, settings, func(l ledger.Ledger, now time.Time) (ports.LedgerCommit, bool, error) {
		from = l.Tier
		c := ports.LedgerCommit{
			Ledger:         ledger.SetTier(l, tier, settings.Allowances(), now),
			IdempotencyKey: "tier:" + eventID,
		}
		if from != tier {
			txn := usage.NewTierChange(s.engine.ids.New(), userID, from, tier, now)
			c.Transaction = &txn
		}
		return c, true, nil
	})
	res, err := s.result("tier", eventID, userID, l, err)
	if err != nil || !res.Applied {
		return res, err
	}

	s.logger.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("from", from.String()).
		Str("to", tier.String()).
		Msg("tier changed")
	return res, nil
}

// result maps a billing write to its outcome. A replayed event is reported
// as not applied, with the current ledger.
func (s *BillingService) result(kind, eventID, userID string, l ledger.Ledger, err error) (BillingResult, error) {
	switch {
	case errors.Is(err, ports.ErrDuplicate):
		s.metrics.RecordBilling(kind, "duplicate")
		s.logger.Info().
			Str("event_id", eventID).
			Str("user_id", userID).
			Str("type", kind).
			Msg("billing event already applied")
		return BillingResult{Applied: false, Ledger: l}, nil
	case err != nil:
		s.metrics.RecordBilling(kind, "error")
		return BillingResult{}, err
	}
	s.metrics.RecordBilling(kind, "applied")
	return BillingResult{Applied: true, Ledger: l}, nil
}
