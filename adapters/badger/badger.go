// Package badger provides an embedded, disk-backed response cache.
//
// Entries carry a Badger TTL. Expired keys return ErrKeyNotFound, which the
// cache treats as a miss, so no explicit expiry check is needed.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/artpar/tokenmeter/ports"
)

var _ ports.ResponseCache = (*Cache)(nil)

const keyPrefix = "resp/"

// Cache is a Badger-backed ports.ResponseCache.
type Cache struct {
	db *dgbadger.DB
}

// Open opens a cache stored in dir. An empty dir keeps everything in memory.
func Open(dir string) (*Cache, error) {
	opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached value for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var raw []byte
	err := c.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger cache get: %w", err)
	}
	return raw, true, nil
}

// Put stores value for ttl unless a live entry already exists.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	k := []byte(keyPrefix + key)
	err := c.db.Update(func(txn *dgbadger.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		return txn.SetEntry(dgbadger.NewEntry(k, value).WithTTL(ttl))
	})
	if errors.Is(err, dgbadger.ErrConflict) {
		// A concurrent writer stored the same key first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("badger cache put: %w", err)
	}
	return nil
}

// RunGC reclaims space in the value log. A no-op for in-memory caches.
func (c *Cache) RunGC() error {
	err := c.db.RunValueLogGC(0.5)
	if errors.Is(err, dgbadger.ErrNoRewrite) || errors.Is(err, dgbadger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close flushes and closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
