package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"parcelflow/internal/ratelimit/models"
	"parcelflow/pkg/platform/sentinel"
)

// checkScript increments the counter and starts the window on the first hit.
// A key that lost its TTL is given one again so it cannot live forever.
var checkScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// releaseScript decrements a live counter, never below zero.
var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 and redis.call('PTTL', KEYS[1]) > 0 then
  return redis.call('DECR', KEYS[1])
end
return count
`)

// RedisStore keeps counters in Redis so every instance shares one quota.
// Window expiry is delegated to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key, e.g. per environment.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedis constructs a Redis-backed counter store.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(identifier, endpoint string) string {
	return s.prefix + models.CounterKey{Identifier: identifier, Endpoint: endpoint}.String()
}

// CheckRateLimit counts one request in a single atomic script call.
func (s *RedisStore) CheckRateLimit(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) (*models.RateLimitResult, error) {
	vals, err := checkScript.Run(ctx, s.client, []string{s.key(identifier, endpoint)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis check rate limit: %w: %w", sentinel.ErrUnavailable, err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("redis check rate limit: unexpected reply %v: %w", vals, sentinel.ErrUnavailable)
	}
	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	return models.NewRateLimitResult(maxRequests, count, s.now().Add(ttl)), nil
}

// Peek reads a counter without counting.
func (s *RedisStore) Peek(ctx context.Context, identifier, endpoint string) (*models.CounterState, error) {
	key := s.key(identifier, endpoint)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis peek: %w: %w", sentinel.ErrUnavailable, err)
	}

	state := &models.CounterState{Identifier: identifier, Endpoint: endpoint}
	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis peek: %w: %w", sentinel.ErrUnavailable, err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return state, nil
	}
	state.Count = count
	state.ResetAt = s.now().Add(ttl)
	return state, nil
}

// Release refunds one request in a live window.
func (s *RedisStore) Release(ctx context.Context, identifier, endpoint string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(identifier, endpoint)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Reset deletes a counter.
func (s *RedisStore) Reset(ctx context.Context, identifier, endpoint string) error {
	if err := s.client.Del(ctx, s.key(identifier, endpoint)).Err(); err != nil {
		return fmt.Errorf("redis reset: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
