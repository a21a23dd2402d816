package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snoke-ws/gateway/internal/metrics"
)

// Denial reasons surfaced to callers separately from broker errors.
var (
	ErrDenied      = errors.New("replay denied")
	ErrRateLimited = errors.New("replay rate limited")
)

// Config holds the replay control plane settings.
type Config struct {
	IdentityKey string // api_key, ip, or api_key_and_ip
	AuditLog    bool
}

// Request carries one replay invocation.
type Request struct {
	RequestID      string
	CallerIP       string
	APIKey         string
	Exchange       string
	RoutingKey     string
	Limit          int64
	IdempotencyKey string
}

// Drainer moves dead-lettered deliveries back onto a target exchange.
type Drainer interface {
	Drain(ctx context.Context, exchange, routingKey string, limit int64) (int64, error)
}

// Controller gates the replay operation behind rate limiting and
// idempotency before handing it to the broker drainer.
type Controller struct {
	cfg     Config
	limiter RateLimiter
	idem    IdempotencyStore
	drainer Drainer
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// NewController wires the replay pipeline.
func NewController(cfg Config, limiter RateLimiter, idem IdempotencyStore, drainer Drainer, m *metrics.Registry, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		limiter: limiter,
		idem:    idem,
		drainer: drainer,
		metrics: m,
		logger:  logger.With().Str("component", "replay").Logger(),
	}
}

// Replay runs the full pipeline: identity, rate limit, idempotency,
// drain, audit. The returned count is the number of replayed deliveries;
// on a mid-drain broker failure, partial progress is returned alongside
// the error.
func (c *Controller) Replay(ctx context.Context, req Request) (int64, error) {
	c.metrics.ReplayRequests.Add(1)

	if req.Exchange == "" || req.Limit <= 0 {
		c.metrics.ReplayDenied.Add(1)
		c.audit("replay.denied", req, "invalid request")
		return 0, ErrDenied
	}

	identity := Identity(c.cfg.IdentityKey, req.APIKey, req.CallerIP)
	allowed, err := c.limiter.Allow(ctx, identity)
	if err != nil {
		c.metrics.ReplayErrors.Add(1)
		c.logger.Warn().Err(err).Str("identity", identity).Msg("Rate limit backend failed")
		return 0, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		c.metrics.ReplayRateLimited.Add(1)
		c.audit("replay.rate_limited", req, "")
		return 0, ErrRateLimited
	}

	idemKey := NormalizeKey(req.IdempotencyKey)
	if idemKey != "" {
		prior, found, err := c.idem.Get(ctx, idemKey)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Idempotency lookup failed")
		} else if found {
			c.metrics.ReplayIdempotent.Add(1)
			c.audit("replay.idempotent", req, fmt.Sprintf("replayed=%d", prior))
			return prior, nil
		}
	}

	replayed, err := c.drainer.Drain(ctx, req.Exchange, req.RoutingKey, req.Limit)
	if replayed > 0 {
		c.metrics.RabbitMQReplay.Add(uint64(replayed))
	}
	if err != nil {
		c.metrics.ReplayErrors.Add(1)
		c.audit("replay.error", req, err.Error())
		return replayed, fmt.Errorf("dlq drain: %w", err)
	}

	if idemKey != "" {
		if err := c.idem.Set(ctx, idemKey, replayed); err != nil {
			c.logger.Warn().Err(err).Msg("Idempotency store failed")
		}
	}
	c.metrics.ReplaySuccess.Add(1)
	c.audit("replay.success", req, fmt.Sprintf("replayed=%d", replayed))
	return replayed, nil
}

func (c *Controller) audit(event string, req Request, extra string) {
	if !c.cfg.AuditLog {
		return
	}
	rec := c.logger.Info().
		Str("event", event).
		Str("request_id", req.RequestID).
		Str("caller_ip", req.CallerIP).
		Str("api_key", req.APIKey)
	if extra != "" {
		rec = rec.Str("extra", extra)
	}
	rec.Msg("Replay audit")
}

// Identity derives the rate-limit identity from the configured key kind.
// Key kinds involving the api key fall back to the caller IP when no api
// key is given.
func Identity(kind, apiKey, callerIP string) string {
	switch kind {
	case "api_key":
		if apiKey == "" {
			return callerIP
		}
		return apiKey
	case "ip":
		return callerIP
	case "api_key_and_ip":
		if apiKey == "" {
			return callerIP
		}
		return apiKey + ":" + callerIP
	default:
		if apiKey == "" {
			return callerIP
		}
		return apiKey
	}
}

// NormalizeKey trims the idempotency key and replaces anything longer
// than 128 bytes with its SHA-256 hex digest. The operation is
// idempotent: normalizing a normalized key returns it unchanged.
func NormalizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if len(trimmed) <= 128 {
		return trimmed
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}
