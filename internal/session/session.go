// Package session provides the shared session store. Three backings are
// available: in-memory, KV and SQL. Expiry is checked on every read, so a
// session past its expiresAt is indistinguishable from a missing one;
// sweepers merely reclaim storage.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing or expired sessions.
var ErrNotFound = errors.New("session: not found")

// Session is the stored state for one authenticated session.
type Session struct {
	Token     string            `json:"token"`
	UserID    string            `json:"userId"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Data      map[string]string `json:"data,omitempty"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store is the session storage contract.
type Store interface {
	// Get returns the session for token, or ErrNotFound when missing or
	// expired.
	Get(ctx context.Context, token string) (*Session, error)

	// Set stores a session under its token.
	Set(ctx context.Context, s *Session) error

	// Delete removes the session for token. Deleting a missing session is
	// not an error.
	Delete(ctx context.Context, token string) error

	// Touch extends the session's expiry to now+ttl.
	Touch(ctx context.Context, token string, ttl time.Duration) error

	// GetByUser returns all live sessions for a user.
	GetByUser(ctx context.Context, userID string) ([]*Session, error)

	// DeleteByUser removes all sessions for a user, returning how many
	// were removed.
	DeleteByUser(ctx context.Context, userID string) (int, error)

	// Cleanup reclaims expired sessions, returning how many were removed.
	Cleanup(ctx context.Context) (int, error)
}
