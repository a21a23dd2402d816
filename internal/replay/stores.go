package replay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter admits or rejects replay attempts for an identity.
type RateLimiter interface {
	Allow(ctx context.Context, identity string) (bool, error)
}

// IdempotencyStore records replay results keyed by normalized
// idempotency key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64) error
}

// memoryRateLimiter keeps a sliding list of event timestamps per identity
// inside the window and admits while the list is under the limit.
type memoryRateLimiter struct {
	limit  int64
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

// NewMemoryRateLimiter builds the in-process fixed-window limiter.
func NewMemoryRateLimiter(limit int64, window time.Duration) RateLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &memoryRateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (m *memoryRateLimiter) Allow(_ context.Context, identity string) (bool, error) {
	if m.limit <= 0 {
		return true, nil
	}
	now := m.now()
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.buckets[identity][:0]
	for _, ts := range m.buckets[identity] {
		if !ts.Before(cutoff) {
			bucket = append(bucket, ts)
		}
	}
	if int64(len(bucket)) >= m.limit {
		m.buckets[identity] = bucket
		return false, nil
	}
	m.buckets[identity] = append(bucket, now)
	return true, nil
}

// redisRateLimiter is the shared fixed-window variant: one INCR per
// attempt on a window-bucketed key, EXPIRE set on the first hit.
type redisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter builds the shared-KV limiter.
func NewRedisRateLimiter(client *redis.Client, prefix string, limit int64, window time.Duration) RateLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &redisRateLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (r *redisRateLimiter) Allow(ctx context.Context, identity string) (bool, error) {
	windowSecs := int64(r.window / time.Second)
	bucket := r.now().Unix() / windowSecs
	key := r.prefix + identity + ":" + strconv.FormatInt(bucket, 10)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= r.limit, nil
}

// memoryIdempotencyStore holds key -> (result, expiry). A zero TTL means
// results never expire.
type memoryIdempotencyStore struct {
	ttl time.Duration

	mu    sync.Mutex
	items map[string]memoryIdempotencyItem
	now   func() time.Time
}

type memoryIdempotencyItem struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// NewMemoryIdempotencyStore builds the in-process idempotency table.
func NewMemoryIdempotencyStore(ttl time.Duration) IdempotencyStore {
	return &memoryIdempotencyStore{
		ttl:   ttl,
		items: make(map[string]memoryIdempotencyItem),
		now:   time.Now,
	}
}

func (m *memoryIdempotencyStore) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return 0, false, nil
	}
	if !item.expiresAt.IsZero() && m.now().After(item.expiresAt) {
		delete(m.items, key)
		return 0, false, nil
	}
	return item.value, true, nil
}

func (m *memoryIdempotencyStore) Set(_ context.Context, key string, value int64) error {
	item := memoryIdempotencyItem{value: value}
	if m.ttl > 0 {
		item.expiresAt = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

// redisIdempotencyStore keeps results as stringified integers under the
// configured prefix.
type redisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore builds the shared-KV idempotency table.
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) IdempotencyStore {
	return &redisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *redisIdempotencyStore) Get(ctx context.Context, key string) (int64, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return parsed, true, nil
}

func (r *redisIdempotencyStore) Set(ctx context.Context, key string, value int64) error {
	return r.client.Set(ctx, r.prefix+key, strconv.FormatInt(value, 10), r.ttl).Err()
}
