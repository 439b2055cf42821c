package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/tokenmeter/app"
	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/pkg/jsonapi"
)

// Transaction list limits.
const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 500
)

// LedgerReader is the read side of the engine.
type LedgerReader interface {
	Ledger(ctx context.Context, userID string) (ledger.Ledger, error)
	Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error)
	Summary(ctx context.Context, userID string) (usage.Summary, error)
}

var _ LedgerReader = (*app.Engine)(nil)

// LedgerHandler serves read-only ledger inspection.
type LedgerHandler struct {
	reader LedgerReader
	logger zerolog.Logger
}

// NewLedgerHandler creates a ledger handler.
func NewLedgerHandler(reader LedgerReader, logger zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{reader: reader, logger: logger}
}

// Get returns the ledger snapshot with the current month's summary.
func (h *LedgerHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	l, err := h.reader.Ledger(r.Context(), userID)
	if err != nil {
		h.writeError(w, userID, err)
		return
	}
	s, err := h.reader.Summary(r.Context(), userID)
	if err != nil {
		h.writeError(w, userID, err)
		return
	}

	jsonapi.WriteResource(w, http.StatusOK, LedgerResource(l, s))
}

// Transactions lists the user's audit rows, newest first.
func (h *LedgerHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := DefaultTransactionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonapi.WriteError(w, jsonapi.NewError(http.StatusBadRequest, "invalid_limit", "Bad Request").
				Detail("limit must be a positive integer").
				Parameter("limit").
				Build())
			return
		}
		limit = min(n, MaxTransactionLimit)
	}

	txns, err := h.reader.Transactions(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, userID, err)
		return
	}

	resources := make([]jsonapi.Resource, 0, len(txns))
	for _, t := range txns {
		resources = append(resources, TransactionResource(t))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources, jsonapi.Meta{
		"count": len(resources),
		"limit": limit,
	})
}

func (h *LedgerHandler) writeError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, app.ErrUserNotFound):
		jsonapi.WriteNotFound(w, "user")
	case errors.Is(err, context.DeadlineExceeded):
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable("ledger store timed out"))
	default:
		h.logger.Error().Err(err).Str("user_id", userID).Msg("ledger read failed")
		jsonapi.WriteInternalError(w, "")
	}
}

// LedgerResource renders a ledger and its summary as a "ledgers" resource.
func LedgerResource(l ledger.Ledger, s usage.Summary) jsonapi.Resource {
	return jsonapi.NewResource("ledgers", l.UserID).
		Attr("tier", l.Tier.String()).
		Attr("entitled", l.Entitled()).
		Attr("free_remaining", byProvider(l.FreeRemaining)).
		Attr("daily_remaining", l.DailyRemaining).
		Attr("purchased_balance", l.PurchasedBalance).
		Attr("total_used", byProvider(l.TotalUsed)).
		Attr("last_monthly_reset", timestamp(l.LastMonthlyReset)).
		Attr("last_daily_reset", timestamp(l.LastDailyReset)).
		Attr("summary", summaryAttrs(s)).
		Meta("version", l.Version).
		Link("/v1/ledgers/" + l.UserID).
		Build()
}

// TransactionResource renders one audit row as a "transactions" resource.
func TransactionResource(t usage.Transaction) jsonapi.Resource {
	b := jsonapi.NewResource("transactions", t.ID).
		Attr("user_id", t.UserID).
		Attr("kind", t.Kind.String()).
		Attr("amount", t.Amount).
		Attr("created_at", timestamp(t.CreatedAt))

	switch t.Kind {
	case usage.KindDebit:
		b.Attr("provider", t.Provider.String()).Attr("source", t.Source.String())
	case usage.KindRefund:
		b.Attr("provider", t.Provider.String()).
			Attr("source", t.Source.String()).
			Attr("related_id", t.RelatedID).
			Attr("restored", t.Restored)
	}
	if t.Description != "" {
		b.Attr("description", t.Description)
	}
	return b.Build()
}

func summaryAttrs(s usage.Summary) map[string]any {
	sources := make(map[string]int64, len(s.BySource))
	for src, n := range s.BySource {
		sources[src.String()] = n
	}
	return map[string]any{
		"period_start": timestamp(s.PeriodStart),
		"period_end":   timestamp(s.PeriodEnd),
		"debits":       s.Debits,
		"refunds":      s.Refunds,
		"credited":     s.Credited,
		"net":          s.Net(),
		"by_provider":  byProvider(s.ByProvider),
		"by_source":    sources,
	}
}

func byProvider(m map[provider.ID]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for p, n := range m {
		out[p.String()] = n
	}
	return out
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
