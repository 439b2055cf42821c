package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/artpar/tokenmeter/domain/inference"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/ports"
)

// Mock is a scriptable invoker for tests and local runs.
type Mock struct {
	latency      time.Duration
	failAfter    int
	staticErr    error
	usage        domain.Usage
	responseFunc func(provider.ID, domain.Request) (domain.Response, error)

	callCount atomic.Int64

	mu    sync.Mutex
	calls map[provider.ID]int
}

var _ ports.Invoker = (*Mock)(nil)

// MockOption configures a Mock.
type MockOption func(*Mock)

// NewMock creates a mock invoker with the given options.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		usage: domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		calls: make(map[provider.ID]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) MockOption {
	return func(m *Mock) { m.latency = d }
}

// WithFailAfter makes the mock fail after n successful calls.
func WithFailAfter(n int) MockOption {
	return func(m *Mock) { m.failAfter = n }
}

// WithError makes the mock always return err.
func WithError(err error) MockOption {
	return func(m *Mock) { m.staticErr = err }
}

// WithUsage sets the usage the mock reports.
func WithUsage(u domain.Usage) MockOption {
	return func(m *Mock) { m.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(provider.ID, domain.Request) (domain.Response, error)) MockOption {
	return func(m *Mock) { m.responseFunc = fn }
}

// Invoke returns a canned completion, honouring the configured options.
func (m *Mock) Invoke(ctx context.Context, p provider.ID, req domain.Request) (domain.Response, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return domain.Response{}, ctx.Err()
		}
	}

	count := m.callCount.Add(1)
	m.mu.Lock()
	m.calls[p]++
	m.mu.Unlock()

	if m.staticErr != nil {
		return domain.Response{}, m.staticErr
	}
	if m.failAfter > 0 && int(count) > m.failAfter {
		return domain.Response{}, ErrUnavailable
	}
	if m.responseFunc != nil {
		return m.responseFunc(p, req)
	}

	return domain.Response{
		ID:           "mock-response-id",
		Model:        req.Model,
		Content:      "Hello from " + p.String(),
		FinishReason: "stop",
		Usage:        m.usage,
	}, nil
}

// CallCount returns the number of calls made to the mock.
func (m *Mock) CallCount() int64 { return m.callCount.Load() }

// CallsTo returns the number of calls made for provider p.
func (m *Mock) CallsTo(p provider.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[p]
}
