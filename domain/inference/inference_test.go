package inference_test

import (
	"errors"
	"math"
	"testing"

	"github.com/artpar/tokenmeter/domain/inference"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name string
		req  inference.Request
		want int64
	}{
		{"empty", inference.Request{}, 3},
		{
			"one message",
			inference.Request{Messages: []inference.Message{{Role: "user", Content: "0123456789abcdef"}}},
			3 + 4 + 4,
		},
		{
			"with max tokens",
			inference.Request{
				Messages:  []inference.Message{{Role: "user", Content: "hi"}},
				MaxTokens: intPtr(100),
			},
			3 + 4 + 0 + 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inference.EstimateCost(tt.req); got != tt.want {
				t.Errorf("EstimateCost = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     inference.Request
		wantErr bool
	}{
		{"empty", inference.Request{}, false},
		{"finite params", inference.Request{Temperature: floatPtr(0.7), TopP: floatPtr(1), MaxTokens: intPtr(10)}, false},
		{"nan temperature", inference.Request{Temperature: floatPtr(math.NaN())}, true},
		{"inf temperature", inference.Request{Temperature: floatPtr(math.Inf(1))}, true},
		{"negative inf top_p", inference.Request{TopP: floatPtr(math.Inf(-1))}, true},
		{"negative max tokens", inference.Request{MaxTokens: intPtr(-1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, inference.ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }
