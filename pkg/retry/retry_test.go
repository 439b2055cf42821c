package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tokenmeter/pkg/retry"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fast() retry.Policy {
	return retry.Policy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := retry.Do(context.Background(), fast(), isTransient, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fast(), isTransient, func(context.Context) (int, error) {
		calls++
		return 0, errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fast(), isTransient, func(context.Context) (string, error) {
		calls++
		return "", errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDo_AfterHonoursDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := retry.Do(context.Background(), fast(), nil, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, retry.After(20*time.Millisecond, errFatal)
		}
		return 1, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDo_AfterReturnsUnderlyingError(t *testing.T) {
	p := fast()
	p.MaxAttempts = 2
	_, err := retry.Do(context.Background(), p, nil, func(context.Context) (int, error) {
		return 0, retry.After(time.Millisecond, errFatal)
	})

	assert.ErrorIs(t, err, errFatal)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: time.Second}

	calls := 0
	_, err := retry.Do(ctx, p, isTransient, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
