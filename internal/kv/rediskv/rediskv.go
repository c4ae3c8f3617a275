// Package rediskv implements kv.Adapter on Redis. All shared state is
// plain Redis structures (strings, hashes, sets) with TTL-based expiry, so
// multiple instances behind one Redis behave as a single deployment.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/concavehq/concave/internal/kv"
)

// Adapter is a Redis-backed kv.Adapter.
type Adapter struct {
	client *redis.Client
}

// New connects to the given Redis URL (e.g. "redis://localhost:6379/0")
// and verifies connectivity before returning.
func New(redisURL string) (*Adapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Adapter{client: client}, nil
}

// NewFromClient wraps an existing client, for callers that manage their own
// connection options.
func NewFromClient(client *redis.Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNotFound
	}
	return v, err
}

func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.client.SetNX(ctx, key, value, ttl).Result()
}

func (a *Adapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.client.Del(ctx, keys...).Err()
}

func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.client.Expire(ctx, key, ttl).Err()
}

func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (a *Adapter) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := a.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNotFound
	}
	return v, err
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.client.HGetAll(ctx, key).Result()
}

func (a *Adapter) HSet(ctx context.Context, key, field, value string) error {
	return a.client.HSet(ctx, key, field, value).Err()
}

func (a *Adapter) HMSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return a.client.HSet(ctx, key, args).Err()
}

func (a *Adapter) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.client.SAdd(ctx, key, args...).Err()
}

func (a *Adapter) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.client.SRem(ctx, key, args...).Err()
}

func (a *Adapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.client.SMembers(ctx, key).Result()
}

func (a *Adapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := a.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ kv.Adapter = (*Adapter)(nil)
