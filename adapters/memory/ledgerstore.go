package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/tokenmeter/domain/ledger"
	"github.com/artpar/tokenmeter/domain/usage"
	"github.com/artpar/tokenmeter/ports"
)

type ledgerShard struct {
	mu      sync.RWMutex
	ledgers map[string]ledger.Ledger
}

// LedgerStore is a sharded in-memory ledger store with versioned
// compare-and-swap commits.
//
// Lock order is shard then journal; the journal guards the audit log and
// idempotency keys, which are global.
type LedgerStore struct {
	shards []*ledgerShard

	journalMu sync.RWMutex
	txns      map[string]usage.Transaction
	byUser    map[string][]string
	keys      map[string]struct{}
}

// NewLedgerStore creates an empty store. numShards <= 0 uses the default.
func NewLedgerStore(numShards int) *LedgerStore {
	if numShards <= 0 {
		numShards = defaultShards
	}
	s := &LedgerStore{
		shards: make([]*ledgerShard, numShards),
		txns:   make(map[string]usage.Transaction),
		byUser: make(map[string][]string),
		keys:   make(map[string]struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &ledgerShard{ledgers: make(map[string]ledger.Ledger)}
	}
	return s
}

func (s *LedgerStore) shard(userID string) *ledgerShard {
	return s.shards[shardIndex(userID, len(s.shards))]
}

// Load returns a copy of the stored ledger.
func (s *LedgerStore) Load(ctx context.Context, userID string) (ledger.Ledger, error) {
	shard := s.shard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	l, ok := shard.ledgers[userID]
	if !ok {
		return ledger.Ledger{}, ports.ErrNotFound
	}
	return l.Clone(), nil
}

// Commit applies c if the stored version matches and the key is unseen.
func (s *LedgerStore) Commit(ctx context.Context, c ports.LedgerCommit) (ledger.Ledger, error) {
	if err := c.Ledger.Validate(); err != nil {
		return ledger.Ledger{}, fmt.Errorf("commit ledger: %w", err)
	}

	userID := c.Ledger.UserID
	shard := s.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	if c.IdempotencyKey != "" {
		if _, seen := s.keys[c.IdempotencyKey]; seen {
			return ledger.Ledger{}, ports.ErrDuplicate
		}
	}

	var current int64
	if stored, ok := shard.ledgers[userID]; ok {
		current = stored.Version
	}
	if current != c.ExpectedVersion {
		return ledger.Ledger{}, ports.ErrVersionConflict
	}

	next := c.Ledger.Clone()
	next.Version = c.ExpectedVersion + 1
	shard.ledgers[userID] = next

	if c.IdempotencyKey != "" {
		s.keys[c.IdempotencyKey] = struct{}{}
	}
	if c.Transaction != nil {
		s.txns[c.Transaction.ID] = *c.Transaction
		s.byUser[userID] = append(s.byUser[userID], c.Transaction.ID)
	}

	return next.Clone(), nil
}

// Transaction returns one audit row.
func (s *LedgerStore) Transaction(ctx context.Context, id string) (usage.Transaction, error) {
	s.journalMu.RLock()
	defer s.journalMu.RUnlock()

	t, ok := s.txns[id]
	if !ok {
		return usage.Transaction{}, ports.ErrNotFound
	}
	return t, nil
}

// Transactions returns a user's audit rows, newest first.
func (s *LedgerStore) Transactions(ctx context.Context, userID string, limit int) ([]usage.Transaction, error) {
	s.journalMu.RLock()
	ids := s.byUser[userID]
	out := make([]usage.Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.txns[ids[i]])
	}
	s.journalMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored ledgers (for testing).
func (s *LedgerStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.ledgers)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
