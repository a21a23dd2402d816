package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoke-ws/gateway/internal/metrics"
)

type stubDrainer struct {
	replayed int64
	err      error
	calls    int
}

func (d *stubDrainer) Drain(_ context.Context, _, _ string, _ int64) (int64, error) {
	d.calls++
	return d.replayed, d.err
}

type stubLimiter struct {
	allowed bool
	err     error
}

func (l *stubLimiter) Allow(_ context.Context, _ string) (bool, error) {
	return l.allowed, l.err
}

func newController(limiter RateLimiter, idem IdempotencyStore, drainer Drainer) (*Controller, *metrics.Registry) {
	m := metrics.NewRegistry()
	c := NewController(Config{IdentityKey: "ip"}, limiter, idem, drainer, m, zerolog.Nop())
	return c, m
}

func validRequest() Request {
	return Request{
		RequestID:  "req-1",
		CallerIP:   "10.0.0.1",
		Exchange:   "ws.events",
		RoutingKey: "events",
		Limit:      100,
	}
}

func TestReplayDeniedOnInvalidRequest(t *testing.T) {
	drainer := &stubDrainer{}
	c, m := newController(&stubLimiter{allowed: true}, NewMemoryIdempotencyStore(0), drainer)

	invalid := []Request{
		{CallerIP: "10.0.0.1", Limit: 100},
		{CallerIP: "10.0.0.1", Exchange: "ws.events"},
		{CallerIP: "10.0.0.1", Exchange: "ws.events", Limit: -1},
	}
	for _, req := range invalid {
		replayed, err := c.Replay(context.Background(), req)
		assert.ErrorIs(t, err, ErrDenied)
		assert.Equal(t, int64(0), replayed)
	}
	assert.Equal(t, 0, drainer.calls)
	assert.Equal(t, uint64(3), m.ReplayRequests.Load())
	assert.Equal(t, uint64(3), m.ReplayDenied.Load())
}

func TestReplayRateLimited(t *testing.T) {
	drainer := &stubDrainer{}
	c, m := newController(&stubLimiter{allowed: false}, NewMemoryIdempotencyStore(0), drainer)

	replayed, err := c.Replay(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int64(0), replayed)
	assert.Equal(t, 0, drainer.calls)
	assert.Equal(t, uint64(1), m.ReplayRateLimited.Load())
}

func TestReplayLimiterBackendError(t *testing.T) {
	c, m := newController(&stubLimiter{err: errors.New("redis down")}, NewMemoryIdempotencyStore(0), &stubDrainer{})

	_, err := c.Replay(context.Background(), validRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, uint64(1), m.ReplayErrors.Load())
}

func TestReplaySuccess(t *testing.T) {
	drainer := &stubDrainer{replayed: 7}
	c, m := newController(&stubLimiter{allowed: true}, NewMemoryIdempotencyStore(0), drainer)

	replayed, err := c.Replay(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(7), replayed)
	assert.Equal(t, uint64(7), m.RabbitMQReplay.Load())
	assert.Equal(t, uint64(1), m.ReplaySuccess.Load())
}

func TestReplayIdempotentReuse(t *testing.T) {
	drainer := &stubDrainer{replayed: 5}
	c, m := newController(&stubLimiter{allowed: true}, NewMemoryIdempotencyStore(0), drainer)

	req := validRequest()
	req.IdempotencyKey = "drain-batch-1"

	first, err := c.Replay(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first)

	// The second invocation must return the recorded result without
	// touching the broker again.
	second, err := c.Replay(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), second)
	assert.Equal(t, 1, drainer.calls)
	assert.Equal(t, uint64(1), m.ReplayIdempotent.Load())
}

func TestReplayDrainErrorReturnsPartialProgress(t *testing.T) {
	drainer := &stubDrainer{replayed: 3, err: errors.New("publish failed")}
	c, m := newController(&stubLimiter{allowed: true}, NewMemoryIdempotencyStore(0), drainer)

	req := validRequest()
	req.IdempotencyKey = "drain-batch-2"

	replayed, err := c.Replay(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int64(3), replayed)
	assert.Equal(t, uint64(3), m.RabbitMQReplay.Load())
	assert.Equal(t, uint64(1), m.ReplayErrors.Load())

	// A failed drain must not be recorded for reuse.
	_, found, getErr := c.idem.Get(context.Background(), NormalizeKey(req.IdempotencyKey))
	require.NoError(t, getErr)
	assert.False(t, found)
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name, kind, apiKey, ip, want string
	}{
		{"api key", "api_key", "key-1", "10.0.0.1", "key-1"},
		{"api key missing falls back to ip", "api_key", "", "10.0.0.1", "10.0.0.1"},
		{"ip", "ip", "key-1", "10.0.0.1", "10.0.0.1"},
		{"combined", "api_key_and_ip", "key-1", "10.0.0.1", "key-1:10.0.0.1"},
		{"combined without api key", "api_key_and_ip", "", "10.0.0.1", "10.0.0.1"},
		{"unknown kind prefers api key", "bogus", "key-1", "10.0.0.1", "key-1"},
		{"unknown kind without api key", "bogus", "", "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Identity(tt.kind, tt.apiKey, tt.ip))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "abc", NormalizeKey("  abc  "))
	assert.Equal(t, "", NormalizeKey("   "))

	long := strings.Repeat("x", 200)
	sum := sha256.Sum256([]byte(long))
	hashed := hex.EncodeToString(sum[:])
	assert.Equal(t, hashed, NormalizeKey(long))

	// Normalization is idempotent.
	assert.Equal(t, hashed, NormalizeKey(NormalizeKey(long)))
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter(2, time.Minute).(*memoryRateLimiter)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "caller")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.False(t, ok)

	// Identities are tracked independently.
	ok, err = limiter.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)

	// The window slides: old entries expire.
	now = now.Add(61 * time.Second)
	ok, err = limiter.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRateLimiterZeroLimitIsUnlimited(t *testing.T) {
	limiter := NewMemoryRateLimiter(0, time.Minute)
	for i := 0; i < 50; i++ {
		ok, err := limiter.Allow(context.Background(), "caller")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMemoryIdempotencyStoreTTL(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Hour).(*memoryIdempotencyStore)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", 9))

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(9), value)

	now = now.Add(2 * time.Hour)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryIdempotencyStoreNoTTL(t *testing.T) {
	store := NewMemoryIdempotencyStore(0).(*memoryIdempotencyStore)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", 1))
	now = now.Add(1000 * time.Hour)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
}
