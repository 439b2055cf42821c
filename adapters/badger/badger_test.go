package badger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tokenmeter/adapters/badger"
)

func openCache(t *testing.T, dir string) *badger.Cache {
	t.Helper()
	c, err := badger.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_MissThenHit(t *testing.T) {
	c := openCache(t, "")
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "k", []byte("v1"), time.Minute))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", string(got))
}

func TestCache_PutIfAbsent(t *testing.T) {
	c := openCache(t, "")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("first"), time.Minute))
	require.NoError(t, c.Put(ctx, "k", []byte("second"), time.Minute))

	got, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestCache_ZeroTTLNotStored(t *testing.T) {
	c := openCache(t, "")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 0))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Expires(t *testing.T) {
	c := openCache(t, "")
	ctx := context.Background()

	// Badger TTLs have one-second resolution.
	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Second))
	time.Sleep(2100 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := badger.Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "k", []byte("durable"), time.Hour))
	require.NoError(t, c.Close())

	reopened := openCache(t, dir)
	got, ok, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "durable", string(got))
}

func TestCache_RunGCInMemory(t *testing.T) {
	c := openCache(t, "")
	assert.NoError(t, c.RunGC())
}

func TestCache_CancelledContext(t *testing.T) {
	c := openCache(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
