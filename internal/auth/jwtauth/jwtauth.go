// Package jwtauth authenticates bearer tokens signed with a shared HMAC
// secret. The subject claim becomes the user id and a "roles" claim, when
// present, carries the role list; every other claim rides along on the
// UserContext untouched.
package jwtauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/session"
)

// Adapter validates HS256 bearer tokens.
type Adapter struct {
	secret   []byte
	issuer   string
	sessions session.Store
	leeway   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIssuer requires tokens to carry the given iss claim.
func WithIssuer(iss string) Option {
	return func(a *Adapter) { a.issuer = iss }
}

// WithSessionStore lets the adapter resolve and invalidate sessions for
// tokens that carry a session id ("sid" claim).
func WithSessionStore(store session.Store) Option {
	return func(a *Adapter) { a.sessions = store }
}

// WithLeeway tolerates clock skew when validating exp/nbf.
func WithLeeway(d time.Duration) Option {
	return func(a *Adapter) { a.leeway = d }
}

// New creates an adapter over the shared signing secret.
func New(secret []byte, opts ...Option) *Adapter {
	a := &Adapter{secret: secret, leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ExtractCredentials reads the Authorization header's bearer token.
func (a *Adapter) ExtractCredentials(r *http.Request) (*auth.Credentials, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, auth.ErrNoCredentials
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, auth.ErrNoCredentials
	}
	return &auth.Credentials{Scheme: "bearer", Token: token}, nil
}

// ValidateCredentials parses and verifies the token, mapping its claims to
// a UserContext.
func (a *Adapter) ValidateCredentials(_ context.Context, cred *auth.Credentials) (*auth.UserContext, error) {
	if cred == nil || cred.Scheme != "bearer" {
		return nil, auth.ErrInvalidCredentials
	}

	parseOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(a.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(cred.Token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidCredentials, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", auth.ErrInvalidCredentials)
	}

	user := &auth.UserContext{ID: sub, Claims: map[string]any(claims)}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				user.Roles = append(user.Roles, s)
			}
		}
	}
	if sid, ok := claims["sid"].(string); ok {
		user.SessionToken = sid
	}
	return user, nil
}

// GetSession resolves a session id when a session store is configured.
func (a *Adapter) GetSession(ctx context.Context, token string) (*session.Session, error) {
	if a.sessions == nil {
		return nil, session.ErrNotFound
	}
	return a.sessions.Get(ctx, token)
}

// InvalidateSession removes the session for a token.
func (a *Adapter) InvalidateSession(ctx context.Context, token string) error {
	if a.sessions == nil {
		return session.ErrNotFound
	}
	return a.sessions.Delete(ctx, token)
}

// Sign issues a token for a user. Intended for tests and setup code; a
// production issuer normally lives outside the framework.
func (a *Adapter) Sign(userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if len(roles) > 0 {
		rs := make([]any, len(roles))
		for i, r := range roles {
			rs[i] = r
		}
		claims["roles"] = rs
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
