// Package kv defines the key-value adapter the framework shares state
// through: sessions, idempotency records and recurring-task schedules.
//
// The core never holds KV state across requests beyond these calls, so a
// cluster of instances pointed at the same adapter behaves as one.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("kv: not found")

// Adapter is the capability set required of a KV backend.
type Adapter interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets key only if it does not exist, returning whether the
	// write happened. Used as a single-writer lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HMSet(ctx context.Context, key string, fields map[string]string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns keys matching a glob pattern (* and ? wildcards).
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}
