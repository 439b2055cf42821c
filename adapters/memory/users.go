package memory

import (
	"context"
	"sync"

	"github.com/artpar/tokenmeter/ports"
)

// Users is an in-memory user directory.
type Users struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewUsers creates a directory containing ids.
func NewUsers(ids ...string) *Users {
	u := &Users{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		u.ids[id] = struct{}{}
	}
	return u
}

// Add registers a user id.
func (u *Users) Add(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids[id] = struct{}{}
}

// Remove forgets a user id.
func (u *Users) Remove(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.ids, id)
}

// Exists reports whether id is registered.
func (u *Users) Exists(ctx context.Context, id string) (bool, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.ids[id]
	return ok, nil
}

// Ensure interface compliance.
var _ ports.UserDirectory = (*Users)(nil)
