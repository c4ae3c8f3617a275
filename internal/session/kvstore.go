package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/concavehq/concave/internal/kv"
)

const (
	kvSessionPrefix = "session:"
	kvUserPrefix    = "session:user:"
)

// KVStore keeps sessions in a kv.Adapter, keyed "session:<token>" with a
// per-user token set under "session:user:<id>". Expiry rides on the KV TTL,
// so expired sessions vanish without a sweeper; Cleanup only prunes stale
// tokens out of the user sets.
type KVStore struct {
	store kv.Adapter
	now   func() time.Time
}

// NewKVStore creates a session store over the given KV adapter.
func NewKVStore(store kv.Adapter) *KVStore {
	return &KVStore{store: store, now: time.Now}
}

func sessionKey(token string) string { return kvSessionPrefix + token }
func userKey(userID string) string   { return kvUserPrefix + userID }

func (k *KVStore) Get(ctx context.Context, token string) (*Session, error) {
	raw, err := k.store.Get(ctx, sessionKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Expired(k.now()) {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (k *KVStore) Set(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	var ttl time.Duration
	if !s.ExpiresAt.IsZero() {
		ttl = time.Until(s.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := k.store.Set(ctx, sessionKey(s.Token), string(raw), ttl); err != nil {
		return err
	}
	if s.UserID != "" {
		return k.store.SAdd(ctx, userKey(s.UserID), s.Token)
	}
	return nil
}

func (k *KVStore) Delete(ctx context.Context, token string) error {
	s, err := k.Get(ctx, token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := k.store.Del(ctx, sessionKey(token)); err != nil {
		return err
	}
	if s != nil && s.UserID != "" {
		return k.store.SRem(ctx, userKey(s.UserID), token)
	}
	return nil
}

func (k *KVStore) Touch(ctx context.Context, token string, ttl time.Duration) error {
	s, err := k.Get(ctx, token)
	if err != nil {
		return err
	}
	s.ExpiresAt = k.now().Add(ttl)
	return k.Set(ctx, s)
}

func (k *KVStore) GetByUser(ctx context.Context, userID string) ([]*Session, error) {
	tokens, err := k.store.SMembers(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, token := range tokens {
		s, err := k.Get(ctx, token)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (k *KVStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	tokens, err := k.store.SMembers(ctx, userKey(userID))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, token := range tokens {
		exists, err := k.store.Exists(ctx, sessionKey(token))
		if err != nil {
			return n, err
		}
		if exists {
			n++
		}
		if err := k.store.Del(ctx, sessionKey(token)); err != nil {
			return n, err
		}
	}
	if err := k.store.Del(ctx, userKey(userID)); err != nil {
		return n, err
	}
	return n, nil
}

func (k *KVStore) Cleanup(ctx context.Context) (int, error) {
	keys, err := k.store.Keys(ctx, kvUserPrefix+"*")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, kvUserPrefix) {
			continue
		}
		tokens, err := k.store.SMembers(ctx, key)
		if err != nil {
			return n, err
		}
		for _, token := range tokens {
			exists, err := k.store.Exists(ctx, sessionKey(token))
			if err != nil {
				return n, err
			}
			if !exists {
				if err := k.store.SRem(ctx, key, token); err != nil {
					return n, err
				}
				n++
			}
		}
	}
	return n, nil
}

var _ Store = (*KVStore)(nil)
