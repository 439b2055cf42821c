// Package provider defines the closed set of upstream AI providers and
// the pure selection rules that pick which one serves a request.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ID identifies an upstream provider. The set is closed: adding a provider
// means adding a constant here and a case to every switch below.
type ID uint8

// Known providers.
const (
	Gemini ID = iota + 1
	OpenAI
	Anthropic
)

// ErrUnknown is returned when a provider name does not match a known ID.
var ErrUnknown = errors.New("unknown provider")

// All returns every known provider in declaration order.
func All() []ID {
	return []ID{Gemini, OpenAI, Anthropic}
}

// String returns the canonical lowercase name.
func (p ID) String() string {
	switch p {
	case Gemini:
		return "gemini"
	case OpenAI:
		return "openai"
	case Anthropic:
		return "anthropic"
	default:
		return fmt.Sprintf("provider(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the known providers.
func (p ID) Valid() bool {
	switch p {
	case Gemini, OpenAI, Anthropic:
		return true
	default:
		return false
	}
}

// Parse maps a provider name (case-insensitive) to its ID.
func Parse(name string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gemini":
		return Gemini, nil
	case "openai":
		return OpenAI, nil
	case "anthropic":
		return Anthropic, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// Config holds per-provider limits (value type).
type Config struct {
	FreeMonthly int64         // Free allowance granted on the 1st of each month
	PaidOnly    bool          // Requires premium or purchased entitlement
	RateLimit   int           // Requests per window, 0 means unlimited
	Window      time.Duration // Rate limit window
}

// Defaults returns the built-in configuration for a provider.
func Defaults(p ID) Config {
	switch p {
	case Gemini:
		return Config{FreeMonthly: 100_000, RateLimit: 60, Window: time.Minute}
	case OpenAI:
		return Config{FreeMonthly: 20_000, RateLimit: 30, Window: time.Minute}
	case Anthropic:
		return Config{PaidOnly: true, RateLimit: 30, Window: time.Minute}
	default:
		return Config{}
	}
}

// Catalog is the configured set of providers plus the free default.
type Catalog struct {
	Providers map[ID]Config
	Default   ID
}

// DefaultCatalog returns a catalog built from Defaults with Gemini as the
// free fallback.
func DefaultCatalog() Catalog {
	c := Catalog{Providers: make(map[ID]Config, len(All())), Default: Gemini}
	for _, p := range All() {
		c.Providers[p] = Defaults(p)
	}
	return c
}

// Get returns the configuration for p, falling back to Defaults.
func (c Catalog) Get(p ID) Config {
	if cfg, ok := c.Providers[p]; ok {
		return cfg
	}
	return Defaults(p)
}

// FreeAllowances returns the monthly free allowance for every known provider.
// Paid-only providers get zero.
func (c Catalog) FreeAllowances() map[ID]int64 {
	out := make(map[ID]int64, len(All()))
	for _, p := range All() {
		cfg := c.Get(p)
		if cfg.PaidOnly {
			out[p] = 0
			continue
		}
		out[p] = cfg.FreeMonthly
	}
	return out
}

// Validate checks the catalog is usable.
func (c Catalog) Validate() error {
	if !c.Default.Valid() {
		return fmt.Errorf("default provider: %w", ErrUnknown)
	}
	if c.Get(c.Default).PaidOnly {
		return fmt.Errorf("default provider %s must not be paid-only", c.Default)
	}
	for p, cfg := range c.Providers {
		if !p.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknown, uint8(p))
		}
		if cfg.FreeMonthly < 0 {
			return fmt.Errorf("%s: free_monthly must be >= 0", p)
		}
		if cfg.RateLimit < 0 {
			return fmt.Errorf("%s: rate_limit must be >= 0", p)
		}
		if cfg.RateLimit > 0 && cfg.Window <= 0 {
			return fmt.Errorf("%s: window must be positive when rate_limit is set", p)
		}
	}
	return nil
}
