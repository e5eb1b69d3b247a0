package deadlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCounterTTL bounds how long an untouched counter survives in redis.
const DefaultCounterTTL = 24 * time.Hour

// RedisCounterStore keeps attempt counters in redis so several coordinator
// instances agree on when a cycle escalates. Keys are namespaced as
// hivemind:{namespace}:deadlock:{key}.
type RedisCounterStore struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisCounterStore creates a counter store on a new redis client.
func NewRedisCounterStore(opts *redis.Options, namespace string, ttl time.Duration) (*RedisCounterStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &RedisCounterStore{
		rdb:       redis.NewClient(opts),
		namespace: namespace,
		ttl:       ttl,
	}, nil
}

// Close closes the redis connection.
func (s *RedisCounterStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies redis connectivity.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Increment implements CounterStore. The TTL is refreshed on every attempt.
func (s *RedisCounterStore) Increment(ctx context.Context, key string) (int, error) {
	k := s.key(key)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

// Get implements CounterStore.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int, error) {
	n, err := s.rdb.Get(ctx, s.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return n, nil
}

// Reset implements CounterStore.
func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("reset counter %s: %w", key, err)
	}
	return nil
}

func (s *RedisCounterStore) key(k string) string {
	return fmt.Sprintf("hivemind:%s:deadlock:%s", s.namespace, k)
}
