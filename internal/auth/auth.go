// Package auth defines the authentication surface the framework consumes.
//
// The core never authenticates by itself: an AuthAdapter extracts and
// validates credentials and the pipeline only sees the resulting
// UserContext. Adapters compose: a CompositeAdapter consults children in
// order, and NullAdapter refuses everything.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/concavehq/concave/internal/session"
)

// ErrNoCredentials is returned by ExtractCredentials when the request
// carries nothing the adapter recognises.
var ErrNoCredentials = errors.New("no credentials present")

// ErrInvalidCredentials is returned when credentials are present but fail
// validation.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserContext is the identity attached to a request after authentication.
type UserContext struct {
	ID     string
	Roles  []string
	Claims map[string]any

	// SessionToken is set when the identity came from a session lookup.
	SessionToken string
}

// HasRole reports whether the user carries the given role.
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credentials are extracted, unvalidated request credentials.
type Credentials struct {
	Scheme string // "bearer", "cookie", ...
	Token  string
}

// Adapter is the capability set the core consumes for authentication.
type Adapter interface {
	// ExtractCredentials pulls credentials from a request, returning
	// ErrNoCredentials when none are present.
	ExtractCredentials(r *http.Request) (*Credentials, error)

	// ValidateCredentials verifies credentials and resolves the user.
	ValidateCredentials(ctx context.Context, cred *Credentials) (*UserContext, error)

	// GetSession resolves a session token to its stored session.
	GetSession(ctx context.Context, token string) (*session.Session, error)

	// InvalidateSession terminates the session for a token.
	InvalidateSession(ctx context.Context, token string) error
}

// Authenticate runs the extract+validate pipeline for a request. A request
// with no credentials yields a nil user and no error; whether that is
// acceptable depends on the operation's scope configuration.
func Authenticate(ctx context.Context, adapter Adapter, r *http.Request) (*UserContext, error) {
	if adapter == nil {
		return nil, nil
	}
	cred, err := adapter.ExtractCredentials(r)
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			return nil, nil
		}
		return nil, err
	}
	if cred == nil {
		return nil, nil
	}
	return adapter.ValidateCredentials(ctx, cred)
}

// CompositeAdapter consults child adapters in order: the first child that
// extracts credentials handles the request.
type CompositeAdapter struct {
	children []Adapter
}

// NewComposite creates a composite over the given children.
func NewComposite(children ...Adapter) *CompositeAdapter {
	return &CompositeAdapter{children: children}
}

func (c *CompositeAdapter) ExtractCredentials(r *http.Request) (*Credentials, error) {
	for _, child := range c.children {
		cred, err := child.ExtractCredentials(r)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) {
				continue
			}
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}
	}
	return nil, ErrNoCredentials
}

func (c *CompositeAdapter) ValidateCredentials(ctx context.Context, cred *Credentials) (*UserContext, error) {
	var lastErr error = ErrInvalidCredentials
	for _, child := range c.children {
		user, err := child.ValidateCredentials(ctx, cred)
		if err == nil {
			return user, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *CompositeAdapter) GetSession(ctx context.Context, token string) (*session.Session, error) {
	var lastErr error = session.ErrNotFound
	for _, child := range c.children {
		s, err := child.GetSession(ctx, token)
		if err == nil {
			return s, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *CompositeAdapter) InvalidateSession(ctx context.Context, token string) error {
	var lastErr error
	invalidated := false
	for _, child := range c.children {
		if err := child.InvalidateSession(ctx, token); err != nil {
			lastErr = err
		} else {
			invalidated = true
		}
	}
	if invalidated {
		return nil
	}
	return lastErr
}

// NullAdapter refuses everything. It is the safe default when no adapter
// is configured but an operation demands authentication.
type NullAdapter struct{}

func (NullAdapter) ExtractCredentials(*http.Request) (*Credentials, error) {
	return nil, ErrNoCredentials
}

func (NullAdapter) ValidateCredentials(context.Context, *Credentials) (*UserContext, error) {
	return nil, ErrInvalidCredentials
}

func (NullAdapter) GetSession(context.Context, string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (NullAdapter) InvalidateSession(context.Context, string) error {
	return session.ErrNotFound
}
