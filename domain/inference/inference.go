// Package inference defines the request and response values exchanged with
// upstream providers. The engine treats inference itself as opaque.
package inference

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRequest is returned by Validate.
var ErrInvalidRequest = errors.New("invalid inference request")

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic chat completion request.
type Request struct {
	// RequestID correlates logs. It is not part of the request identity.
	RequestID string `json:"-"`

	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Validate rejects sampling parameters that cannot be encoded: NaN and
// infinite temperature or top_p, and a negative max_tokens.
func (r Request) Validate() error {
	if r.Temperature != nil && !finite(*r.Temperature) {
		return fmt.Errorf("%w: temperature must be finite", ErrInvalidRequest)
	}
	if r.TopP != nil && !finite(*r.TopP) {
		return fmt.Errorf("%w: top_p must be finite", ErrInvalidRequest)
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Usage reports token counts for a completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is a provider-agnostic chat completion response.
type Response struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// EstimateCost estimates the token cost of a request before it is sent:
// about four characters per token plus per-message and per-request overhead.
// The result is always positive.
func EstimateCost(req Request) int64 {
	var total int64
	for _, m := range req.Messages {
		total += int64(len(m.Content)) / 4
		total += 4
	}
	total += 3
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		total += int64(*req.MaxTokens)
	}
	return total
}
