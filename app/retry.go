package app

import (
	"context"
	"errors"

	"github.com/artpar/tokenmeter/pkg/retry"
)

var errRateLimited = errors.New("rate limited")

// ChargeWithRetry is the caller-side loop for rate-limited requests: it calls
// ChargeAndInvoke again after each RetryAfter hint, with exponential backoff,
// until the policy runs out. The last result is returned, so a request still
// limited after the final attempt comes back with RateLimited set and a nil
// error. Other outcomes return immediately.
func (e *Engine) ChargeWithRetry(ctx context.Context, req ChargeRequest, p retry.Policy) (ChargeResult, error) {
	var last ChargeResult
	_, err := retry.Do(ctx, p, isRateLimited, func(ctx context.Context) (struct{}, error) {
		res, err := e.ChargeAndInvoke(ctx, req)
		last = res
		if err != nil {
			return struct{}{}, err
		}
		if res.RateLimited == nil {
			return struct{}{}, nil
		}
		if d := res.RateLimited.RetryAfter; d > 0 {
			return struct{}{}, retry.After(d, errRateLimited)
		}
		return struct{}{}, errRateLimited
	})
	if errors.Is(err, errRateLimited) {
		return last, nil
	}
	return last, err
}

func isRateLimited(err error) bool {
	return errors.Is(err, errRateLimited)
}
