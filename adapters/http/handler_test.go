package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tokenmeter/adapters/clock"
	apihttp "github.com/artpar/tokenmeter/adapters/http"
	"github.com/artpar/tokenmeter/adapters/idgen"
	"github.com/artpar/tokenmeter/adapters/inference"
	"github.com/artpar/tokenmeter/adapters/memory"
	"github.com/artpar/tokenmeter/adapters/metrics"
	"github.com/artpar/tokenmeter/app"
	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/pkg/jsonapi"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	server  *httptest.Server
	engine  *app.Engine
	billing *app.BillingService
}

func newFixture(t *testing.T, checks map[string]apihttp.HealthChecker) *fixture {
	t.Helper()

	fake := clock.NewFake(baseTime)
	limiter := memory.NewRateLimitStore(memory.RateLimitConfig{Clock: fake})
	t.Cleanup(func() { limiter.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	settings := app.DefaultSettings()
	settings.Catalog = provider.Catalog{
		Providers: map[provider.ID]provider.Config{
			provider.Gemini: {FreeMonthly: 10_000},
			provider.OpenAI: {FreeMonthly: 5_000},
		},
		Default: provider.Gemini,
	}

	engine, err := app.NewEngine(app.Deps{
		Store:       memory.NewLedgerStore(0),
		RateLimiter: limiter,
		Invoker:     inference.NewMock(),
		Users:       memory.NewUsers("u1", "u2"),
		Clock:       fake,
		IDs:         idgen.NewSequential("txn-"),
		Logger:      zerolog.Nop(),
		Metrics:     m,
	}, settings)
	require.NoError(t, err)

	router := apihttp.NewRouter(
		apihttp.NewLedgerHandler(engine, zerolog.Nop()),
		apihttp.NewHealthHandler(checks),
		zerolog.Nop(),
		apihttp.RouterConfig{
			Metrics:        m,
			MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Version:        "1.2.3",
		},
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &fixture{
		server:  srv,
		engine:  engine,
		billing: app.NewBillingService(engine, zerolog.Nop(), m),
	}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

type resourceDoc struct {
	Data struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
		Meta       map[string]any `json:"meta"`
	} `json:"data"`
}

type collectionDoc struct {
	Data []struct {
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
	Meta map[string]any `json:"meta"`
}

func TestLiveness(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestReadiness(t *testing.T) {
	f := newFixture(t, map[string]apihttp.HealthChecker{
		"store": apihttp.HealthCheckFunc(func(context.Context) error { return nil }),
	})

	resp, _ := f.get(t, "/healthz/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadiness_Unhealthy(t *testing.T) {
	f := newFixture(t, map[string]apihttp.HealthChecker{
		"store": apihttp.HealthCheckFunc(func(context.Context) error { return errors.New("connection refused") }),
		"cache": apihttp.HealthCheckFunc(func(context.Context) error { return nil }),
	})

	resp, body := f.get(t, "/healthz/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var got struct {
		Status string            `json:"status"`
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "unhealthy", got.Status)
	assert.Equal(t, map[string]string{"store": "connection refused"}, got.Errors)
}

func TestVersion(t *testing.T) {
	f := newFixture(t, nil)

	_, body := f.get(t, "/version")
	var v apihttp.VersionResponse
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, "1.2.3", v.Version)
	assert.Equal(t, "tokenmeter", v.Service)
}

func TestGetLedger_Initial(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.get(t, "/v1/ledgers/u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jsonapi.ContentType, resp.Header.Get("Content-Type"))

	var doc resourceDoc
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "ledgers", doc.Data.Type)
	assert.Equal(t, "u1", doc.Data.ID)
	assert.Equal(t, "free", doc.Data.Attributes["tier"])
	assert.Equal(t, false, doc.Data.Attributes["entitled"])
	assert.Equal(t, map[string]any{
		"gemini":    float64(10_000),
		"openai":    float64(5_000),
		"anthropic": float64(0),
	}, doc.Data.Attributes["free_remaining"])
	assert.Equal(t, float64(0), doc.Data.Meta["version"])
}

func TestGetLedger_AfterActivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.billing.CreditPurchase(ctx, "evt-1", "u1", 700)
	require.NoError(t, err)
	res, err := f.engine.ChargeAndInvoke(ctx, app.ChargeRequest{UserID: "u1", Provider: provider.Gemini, Cost: 400})
	require.NoError(t, err)
	require.NotNil(t, res.Billing)

	_, body := f.get(t, "/v1/ledgers/u1")
	var doc resourceDoc
	require.NoError(t, json.Unmarshal(body, &doc))

	attrs := doc.Data.Attributes
	assert.Equal(t, true, attrs["entitled"])
	assert.Equal(t, float64(700), attrs["purchased_balance"])
	assert.Equal(t, float64(400), attrs["total_used"].(map[string]any)["gemini"])
	assert.Equal(t, float64(9_600), attrs["free_remaining"].(map[string]any)["gemini"])

	summary, ok := attrs["summary"].(map[string]any)
	require.True(t, ok, "summary attribute missing")
	assert.Equal(t, float64(1), summary["debits"])
	assert.Equal(t, float64(700), summary["credited"])
	assert.Equal(t, map[string]any{"free": float64(400)}, summary["by_source"])
}

func TestGetLedger_UnknownUser(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.get(t, "/v1/ledgers/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var doc jsonapi.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "not_found", doc.Errors[0].Code)
}

func TestTransactions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.billing.CreditPurchase(ctx, "evt-1", "u1", 100)
	require.NoError(t, err)
	_, err = f.billing.SetTier(ctx, "evt-2", "u1", ledger.TierPremiumDaily)
	require.NoError(t, err)
	_, err = f.engine.ChargeAndInvoke(ctx, app.ChargeRequest{UserID: "u1", Provider: provider.OpenAI, Cost: 50})
	require.NoError(t, err)

	resp, body := f.get(t, "/v1/ledgers/u1/transactions")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc collectionDoc
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Data, 3)
	assert.Equal(t, "debit", doc.Data[0].Attributes["kind"])
	assert.Equal(t, "openai", doc.Data[0].Attributes["provider"])
	assert.Equal(t, "daily", doc.Data[0].Attributes["source"])
	assert.Equal(t, "credit", doc.Data[2].Attributes["kind"])
	assert.Equal(t, float64(3), doc.Meta["count"])
	assert.Equal(t, float64(apihttp.DefaultTransactionLimit), doc.Meta["limit"])

	_, body = f.get(t, "/v1/ledgers/u1/transactions?limit=1")
	doc = collectionDoc{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Len(t, doc.Data, 1)
}

func TestTransactions_Empty(t *testing.T) {
	f := newFixture(t, nil)

	_, body := f.get(t, "/v1/ledgers/u2/transactions")
	assert.Contains(t, string(body), `"data":[]`)
}

func TestTransactions_InvalidLimit(t *testing.T) {
	f := newFixture(t, nil)

	for _, q := range []string{"abc", "0", "-5"} {
		resp, body := f.get(t, "/v1/ledgers/u1/transactions?limit="+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", q)
		assert.Contains(t, string(body), `"parameter":"limit"`)
	}
}

func TestTransactions_LimitCapped(t *testing.T) {
	reader := &stubReader{}
	srv := httptest.NewServer(apihttp.NewRouter(
		apihttp.NewLedgerHandler(reader, zerolog.Nop()),
		apihttp.NewHealthHandler(nil),
		zerolog.Nop(),
		apihttp.RouterConfig{},
	))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/ledgers/u1/transactions?limit=100000")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, apihttp.MaxTransactionLimit, reader.lastLimit)
}

func TestLedger_StoreFailure(t *testing.T) {
	reader := &stubReader{err: errors.New("disk full")}
	srv := httptest.NewServer(apihttp.NewRouter(
		apihttp.NewLedgerHandler(reader, zerolog.Nop()),
		apihttp.NewHealthHandler(nil),
		zerolog.Nop(),
		apihttp.RouterConfig{},
	))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/ledgers/u1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "disk full")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.get(t, "/v1/ledgers/u1")
	f.get(t, "/v1/ledgers/ghost")

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.True(t, strings.Contains(text, `tokenmeter_http_requests_total{method="GET",route="/v1/ledgers/{userID}",status="2xx"} 1`), text)
	assert.True(t, strings.Contains(text, `tokenmeter_http_requests_total{method="GET",route="/v1/ledgers/{userID}",status="4xx"} 1`), text)
	assert.NotContains(t, text, `route="/metrics"`)
}

func TestTransactionResource(t *testing.T) {
	debit := usage.NewDebit("txn-1", "u1", provider.Gemini, ledger.SourceFree, 100, "chat", baseTime)
	refund := usage.NewRefund("txn-2", debit, true, baseTime.Add(time.Second))
	credit := usage.NewCredit("txn-3", "u1", 500, "", baseTime)

	r := apihttp.TransactionResource(debit)
	assert.Equal(t, "transactions", r.Type)
	assert.Equal(t, "gemini", r.Attributes["provider"])
	assert.Equal(t, "free", r.Attributes["source"])
	assert.Equal(t, "chat", r.Attributes["description"])
	assert.Equal(t, "2024-01-15T12:00:00Z", r.Attributes["created_at"])

	r = apihttp.TransactionResource(refund)
	assert.Equal(t, "txn-1", r.Attributes["related_id"])
	assert.Equal(t, true, r.Attributes["restored"])

	r = apihttp.TransactionResource(credit)
	assert.NotContains(t, r.Attributes, "provider")
	assert.NotContains(t, r.Attributes, "description")
}

type stubReader struct {
	err       error
	lastLimit int
}

func (s *stubReader) Ledger(ctx context.Context, userID string) (ledger.Ledger, error) {
	return ledger.Ledger{UserID: userID}, s.err
}

func (s *stubReader) Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error) {
	s.lastLimit = limit
	return nil, s.err
}

func (s *stubReader) Summary(ctx context.Context, userID string) (usage.Summary, error) {
	return usage.Summary{UserID: userID}, s.err
}
