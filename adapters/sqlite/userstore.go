package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenmeter/ports"
)

// UserStore implements ports.UserDirectory using SQLite.
type UserStore struct {
	db *DB
}

// NewUserStore creates a new SQLite user directory.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// Add registers a user id. Adding an existing id is a no-op.
func (s *UserStore) Add(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		userID, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

// Exists reports whether userID is registered.
func (s *UserStore) Exists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return true, nil
}

// Ensure interface compliance.
var _ ports.UserDirectory = (*UserStore)(nil)
