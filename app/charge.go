package app

import (
	"context"
	"fmt"

	"github.com/artpar/tokenmeter/domain/cache"
	"github.com/artpar/tokenmeter/domain/inference"
	"github.com/artpar/tokenmeter/domain/provider"
	"github.com/artpar/tokenmeter/domain/quota"
)

// ChargeRequest is one metered inference call.
type ChargeRequest struct {
	UserID      string
	Provider    provider.ID // Requested provider, may be downgraded
	Cost        int64       // Estimated cost; zero or less means estimate from Request
	Request     inference.Request
	Description string
}

// ChargeResult is the outcome of ChargeAndInvoke. Exactly one of Response,
// QuotaDenied and RateLimited is set when the error is nil.
type ChargeResult struct {
	Requested  provider.ID
	Provider   provider.ID // Provider actually used
	Downgraded bool

	Response *inference.Response
	Billing  *quota.DebitResult // Nil when nothing was charged

	CacheHit bool // Served from the response cache, not billed
	Shared   bool // Joined an identical in-flight request, not billed

	QuotaDenied *QuotaDenied
	RateLimited *RateLimited
}

// ChargeAndInvoke resets, selects a provider, admits, checks the cache,
// debits, invokes and caches, in that order. An inference failure after the
// debit triggers an idempotent refund and returns a *ProviderError.
//
// Quota denials and rate limiting are results, not errors.
func (e *Engine) ChargeAndInvoke(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := e.checkUser(ctx, req.UserID); err != nil {
		return ChargeResult{}, err
	}
	if !req.Provider.Valid() {
		return ChargeResult{}, fmt.Errorf("requested %w: %d", provider.ErrUnknown, req.Provider)
	}
	if err := req.Request.Validate(); err != nil {
		return ChargeResult{}, err
	}
	if req.Cost <= 0 {
		req.Cost = inference.EstimateCost(req.Request)
	}

	s := e.Settings()
	now := e.clock.Now()

	// 1. Entitlement from the reset ledger (I/O, not persisted)
	view, err := e.view(ctx, req.UserID, s, now)
	if err != nil {
		return ChargeResult{}, err
	}

	// 2. Select provider (PURE)
	sel := provider.Select(s.Catalog, req.Provider, view.Entitled())
	result := ChargeResult{
		Requested:  sel.Requested,
		Provider:   sel.Chosen,
		Downgraded: sel.Downgraded,
	}
	if sel.Downgraded {
		e.metrics.RecordDowngrade(sel.Requested.String())
		e.logger.Info().
			Str("user_id", req.UserID).
			Str("requested", sel.Requested.String()).
			Str("provider", sel.Chosen.String()).
			Msg("provider downgraded, user not entitled")
	}

	// 3. Admission control
	rl, err := e.TryAcquire(ctx, req.UserID, sel.Chosen)
	if err != nil {
		return ChargeResult{}, err
	}
	if !rl.Allowed {
		result.RateLimited = &RateLimited{
			Provider:   sel.Chosen,
			RetryAfter: rl.RetryAfter,
			ResetAt:    rl.ResetAt,
		}
		return result, nil
	}

	// 4. Cache check, then collapse identical misses
	if !e.caching(s) {
		return e.charge(ctx, req, result, "", s)
	}
	key, err := cache.Key(req.UserID, sel.Chosen, req.Request)
	if err != nil {
		return ChargeResult{}, err
	}
	if resp, ok := e.cached(ctx, key); ok {
		result.Response = &resp
		result.CacheHit = true
		return result, nil
	}

	leader := false
	v, err, _ := e.flight.Do(key, func() (any, error) {
		leader = true
		return e.charge(ctx, req, result, key, s)
	})
	shared, _ := v.(ChargeResult)
	if leader {
		return shared, err
	}
	if err == nil && shared.Response != nil {
		e.metrics.RecordCache("shared")
		resp := *shared.Response
		result.Response = &resp
		result.Shared = true
		return result, nil
	}
	// The leader was denied or failed; this request is decided on its own.
	return e.charge(ctx, req, result, key, s)
}

func (e *Engine) caching(s Settings) bool {
	return e.cache != nil && s.CacheTTL > 0
}

// cached returns a decoded cache entry. Cache errors count as misses.
func (e *Engine) cached(ctx context.Context, key string) (inference.Response, bool) {
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.metrics.RecordCache("error")
		e.logger.Warn().Err(err).Str("cache_key", key).Msg("cache get failed")
		return inference.Response{}, false
	}
	if !ok {
		e.metrics.RecordCache("miss")
		return inference.Response{}, false
	}
	resp, err := cache.Decode(raw)
	if err != nil {
		e.metrics.RecordCache("error")
		e.logger.Warn().Err(err).Str("cache_key", key).Msg("cache entry undecodable")
		return inference.Response{}, false
	}
	e.metrics.RecordCache("hit")
	return resp, true
}

// charge debits, invokes and stores the response under key when key is set.
func (e *Engine) charge(ctx context.Context, req ChargeRequest, result ChargeResult, key string, s Settings) (ChargeResult, error) {
	p := result.Provider

	// A request that finished while this one waited may have filled the cache.
	if key != "" {
		if resp, ok := e.cached(ctx, key); ok {
			result.Response = &resp
			result.CacheHit = true
			return result, nil
		}
	}

	// 5. Debit (serialized per user)
	billing, debit, err := e.debit(ctx, quota.DebitRequest{
		UserID:      req.UserID,
		Provider:    p,
		Cost:        req.Cost,
		Description: req.Description,
	}, s)
	if err != nil {
		return ChargeResult{}, err
	}
	if !billing.Allowed() {
		result.QuotaDenied = &QuotaDenied{
			Provider:  p,
			Source:    billing.Source,
			Reason:    billing.Reason,
			Remaining: billing.Remaining,
		}
		return result, nil
	}
	result.Billing = &billing

	// 6. Invoke (bounded)
	ictx, cancel := context.WithTimeout(ctx, s.InvokeTimeout)
	start := e.clock.Now()
	resp, err := e.invoker.Invoke(ictx, p, req.Request)
	cancel()
	e.metrics.RecordInvoke(p.String(), e.clock.Now().Sub(start), err)

	if err != nil {
		// 7. Compensate; runs even when the caller has gone away.
		perr := &ProviderError{Provider: p, TransactionID: debit.ID, Err: err}
		if rerr := e.refund(context.WithoutCancel(ctx), debit, s); rerr != nil {
			e.logger.Error().
				Err(rerr).
				Str("user_id", req.UserID).
				Str("txn_id", debit.ID).
				Msg("refund after provider failure failed")
		} else {
			perr.Refunded = true
		}
		e.logger.Warn().
			Err(err).
			Str("user_id", req.UserID).
			Str("provider", p.String()).
			Str("txn_id", debit.ID).
			Msg("inference failed after debit")
		return result, perr
	}
	result.Response = &resp

	// 8. Cache store (advisory)
	if key != "" {
		if raw, err := cache.Encode(resp); err != nil {
			e.logger.Warn().Err(err).Msg("cache encode failed")
		} else if err := e.cache.Put(ctx, key, raw, s.CacheTTL); err != nil {
			e.logger.Warn().Err(err).Str("cache_key", key).Msg("cache put failed")
		}
	}

	e.logger.Debug().
		Str("user_id", req.UserID).
		Str("provider", p.String()).
		Str("txn_id", debit.ID).
		Str("source", billing.Source.String()).
		Int64("cost", req.Cost).
		Msg("request charged")
	return result, nil
}
