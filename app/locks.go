package app

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// userLocks serializes ledger mutations per user inside one process.
// Users hashing to the same stripe share a mutex.
type userLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (u *userLocks) lock(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	m := &u.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
