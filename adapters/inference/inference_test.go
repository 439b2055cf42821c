package inference_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tokenmeter/adapters/inference"
	domain "github.com/artpar/tokenmeter/domain/inference"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/pkg/retry"
)

func fastRetry() inference.Option {
	return inference.WithRetryPolicy(retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
}

func chatRequest() domain.Request {
	return domain.Request{
		Model:    "gpt-4o-mini",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}
}

func TestHTTPInvoker_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o-mini",
			"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	inv := inference.NewHTTPInvoker(map[provider.ID]inference.Endpoint{
		provider.OpenAI: {BaseURL: srv.URL + "/v1/", APIKey: "sk-test"},
	})

	resp, err := inv.Invoke(context.Background(), provider.OpenAI, chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "cmpl-1", resp.ID)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(4), resp.Usage.TotalTokens)
}

func TestHTTPInvoker_NotConfigured(t *testing.T) {
	inv := inference.NewHTTPInvoker(nil)
	_, err := inv.Invoke(context.Background(), provider.Gemini, chatRequest())
	assert.ErrorIs(t, err, inference.ErrNotConfigured)
}

func TestHTTPInvoker_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"ok","choices":[{"message":{"content":"done"}}]}`))
	}))
	defer srv.Close()

	inv := inference.NewHTTPInvoker(map[provider.ID]inference.Endpoint{
		provider.Gemini: {BaseURL: srv.URL},
	}, fastRetry())

	resp, err := inv.Invoke(context.Background(), provider.Gemini, chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPInvoker_GivesUpOnPersistentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := inference.NewHTTPInvoker(map[provider.ID]inference.Endpoint{
		provider.Gemini: {BaseURL: srv.URL},
	}, fastRetry())

	_, err := inv.Invoke(context.Background(), provider.Gemini, chatRequest())
	assert.ErrorIs(t, err, inference.ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPInvoker_DoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, inference.ErrInvalidRequest},
		{http.StatusUnauthorized, inference.ErrAuthFailed},
		{http.StatusForbidden, inference.ErrAuthFailed},
	}

	for _, tt := range tests {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		inv := inference.NewHTTPInvoker(map[provider.ID]inference.Endpoint{
			provider.Gemini: {BaseURL: srv.URL},
		}, fastRetry())

		_, err := inv.Invoke(context.Background(), provider.Gemini, chatRequest())
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		assert.Equal(t, int32(1), calls.Load(), "status %d", tt.status)
		srv.Close()
	}
}

func TestHTTPInvoker_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	inv := inference.NewHTTPInvoker(map[provider.ID]inference.Endpoint{
		provider.Gemini: {BaseURL: srv.URL},
	}, fastRetry())

	_, err := inv.Invoke(context.Background(), provider.Gemini, chatRequest())
	assert.ErrorIs(t, err, inference.ErrEmptyCompletion)
}

func TestMock(t *testing.T) {
	m := inference.NewMock()
	resp, err := m.Invoke(context.Background(), provider.Anthropic, chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hello from anthropic", resp.Content)
	assert.Equal(t, int64(1), m.CallCount())
	assert.Equal(t, 1, m.CallsTo(provider.Anthropic))
	assert.Equal(t, 0, m.CallsTo(provider.Gemini))
}

func TestMock_FailAfter(t *testing.T) {
	m := inference.NewMock(inference.WithFailAfter(1))
	ctx := context.Background()

	_, err := m.Invoke(ctx, provider.Gemini, chatRequest())
	require.NoError(t, err)
	_, err = m.Invoke(ctx, provider.Gemini, chatRequest())
	assert.ErrorIs(t, err, inference.ErrUnavailable)
}

func TestMock_StaticErrorAndLatency(t *testing.T) {
	boom := errors.New("boom")
	m := inference.NewMock(inference.WithError(boom))
	_, err := m.Invoke(context.Background(), provider.Gemini, chatRequest())
	assert.ErrorIs(t, err, boom)

	slow := inference.NewMock(inference.WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Invoke(ctx, provider.Gemini, chatRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
