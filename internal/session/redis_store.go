package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned by RedisStore.Load when no session exists
// for the given id (including once it has expired server-side).
var ErrSessionNotFound = errors.New("session: not found")

// defaultRedisPrefix namespaces session keys when a RedisStore is shared
// with other key spaces on the same Redis instance.
const defaultRedisPrefix = "a2agateway:session:"

// RedisStore is an optional distributed store for session records, for
// sessions that must survive a process restart or be shared across
// instances. Registry keeps its own in-memory map and does not read from or
// write to a RedisStore. Expiry is enforced by
// Redis's own key TTL, mirroring the registry's absolute expiry semantics.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides the default key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a RedisStore backed by client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists sess with a TTL equal to its remaining time-to-live. A
// session already expired is not written.
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session redis store: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("session redis store: set: %w", err)
	}
	return nil
}

// Load retrieves a session by id. Returns ErrSessionNotFound if absent or
// expired (Redis evicts the key itself once its TTL elapses).
func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session redis store: get: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session redis store: unmarshal: %w", err)
	}
	return &sess, nil
}

// Extend slides id's TTL forward to d from now, if the key still exists.
func (s *RedisStore) Extend(ctx context.Context, id string, d time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.key(id), d).Result()
	if err != nil {
		return false, fmt.Errorf("session redis store: expire: %w", err)
	}
	return ok, nil
}

// Delete removes a session unconditionally.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("session redis store: del: %w", err)
	}
	return nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}
