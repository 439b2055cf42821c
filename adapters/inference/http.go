// Package inference provides ports.Invoker implementations: an HTTP client
// for OpenAI-compatible chat completion APIs and a scriptable mock.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/artpar/tokenmeter/domain/inference"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/pkg/retry"
	"github.com/artpar/tokenmeter/ports"
)

// Upstream errors.
var (
	ErrRateLimited     = errors.New("upstream rate limited")
	ErrAuthFailed      = errors.New("upstream authentication failed")
	ErrInvalidRequest  = errors.New("upstream rejected request")
	ErrUnavailable     = errors.New("upstream unavailable")
	ErrNotConfigured   = errors.New("provider endpoint not configured")
	ErrEmptyCompletion = errors.New("empty choices in response")
)

// Endpoint is where and how to reach one provider.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// HTTPInvoker calls OpenAI-compatible /chat/completions endpoints.
type HTTPInvoker struct {
	endpoints  map[provider.ID]Endpoint
	httpClient *http.Client
	policy     retry.Policy
}

var _ ports.Invoker = (*HTTPInvoker)(nil)

// Option configures the invoker.
type Option func(*HTTPInvoker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPInvoker) { h.httpClient = c }
}

// WithRetryPolicy sets how transient upstream failures are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(h *HTTPInvoker) { h.policy = p }
}

// NewHTTPInvoker creates an invoker for the given endpoints.
func NewHTTPInvoker(endpoints map[provider.ID]Endpoint, opts ...Option) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoints:  make(map[provider.ID]Endpoint, len(endpoints)),
		httpClient: http.DefaultClient,
		policy:     retry.DefaultPolicy(),
	}
	for p, ep := range endpoints {
		ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
		h.endpoints[p] = ep
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      domain.Message `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

// Invoke sends req to provider p. Rate limiting and 5xx responses are
// retried within the policy; other failures return at once.
func (h *HTTPInvoker) Invoke(ctx context.Context, p provider.ID, req domain.Request) (domain.Response, error) {
	ep, ok := h.endpoints[p]
	if !ok || ep.BaseURL == "" {
		return domain.Response{}, fmt.Errorf("%w: %s", ErrNotConfigured, p)
	}

	body, err := json.Marshal(apiRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		return domain.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(ctx, h.policy, transient, func(ctx context.Context) (domain.Response, error) {
		return h.do(ctx, ep, body)
	})
}

func transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

func (h *HTTPInvoker) do(ctx context.Context, ep Endpoint, body []byte) (domain.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	httpResp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Response{}, ctx.Err()
		}
		return domain.Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return domain.Response{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return domain.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Response{}, ErrEmptyCompletion
	}

	return domain.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
	}, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return retry.After(d, ErrRateLimited)
		}
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailed
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %d %s", ErrInvalidRequest, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
