package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/snoke-ws/gateway/internal/metrics"
)

// Event is one inbound client publish handed to the backend.
type Event struct {
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	Payload      json.RawMessage `json:"payload"`
	ReceivedAt   int64           `json:"received_at"`
	Traceparent  string          `json:"traceparent,omitempty"`
}

// Config selects the forwarding path.
type Config struct {
	Mode           string // core forwards to the Redis stream, terminator to the webhook
	RedisDSN       string
	Stream         string
	WebhookURL     string
	WebhookTimeout time.Duration
}

// Forwarder hands inbound client events to the backend: XADD onto the
// inbox stream in core mode, an HTTP POST in terminator mode. Forwarding
// failures are soft; they count and log but never reach the session.
type Forwarder struct {
	cfg     Config
	client  *redis.Client
	httpc   *http.Client
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// NewForwarder builds the forwarder for the configured mode; missing
// backend settings disable it.
func NewForwarder(cfg Config, m *metrics.Registry, logger zerolog.Logger) *Forwarder {
	if cfg.Stream == "" {
		cfg.Stream = "ws.inbox"
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 5 * time.Second
	}
	f := &Forwarder{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "inbox").Logger(),
	}
	if cfg.Mode != "terminator" && cfg.RedisDSN != "" {
		opts, err := redis.ParseURL(cfg.RedisDSN)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Invalid inbox Redis DSN, forwarding disabled")
		} else {
			f.client = redis.NewClient(opts)
		}
	}
	if cfg.Mode == "terminator" && cfg.WebhookURL != "" {
		f.httpc = &http.Client{Timeout: cfg.WebhookTimeout}
	}
	return f
}

// Forward delivers one event on the configured path.
func (f *Forwarder) Forward(ctx context.Context, event Event) {
	if f.cfg.Mode == "terminator" {
		f.forwardWebhook(ctx, event)
		return
	}
	f.forwardStream(ctx, event)
}

// Close releases the Redis client, if any.
func (f *Forwarder) Close() {
	if f.client != nil {
		_ = f.client.Close()
	}
}

func (f *Forwarder) forwardStream(ctx context.Context, event Event) {
	if f.client == nil {
		return
	}
	err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.cfg.Stream,
		Values: map[string]any{
			"connection_id": event.ConnectionID,
			"user_id":       event.UserID,
			"payload":       string(event.Payload),
			"received_at":   strconv.FormatInt(event.ReceivedAt, 10),
			"traceparent":   event.Traceparent,
		},
	}).Err()
	if err != nil {
		f.logger.Warn().Err(err).Str("stream", f.cfg.Stream).Msg("Inbox stream append failed")
	}
}

func (f *Forwarder) forwardWebhook(ctx context.Context, event Event) {
	if f.httpc == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		f.metrics.WebhookFailed.Add(1)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		f.metrics.WebhookFailed.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if event.Traceparent != "" {
		req.Header.Set("traceparent", event.Traceparent)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		f.metrics.WebhookFailed.Add(1)
		f.logger.Warn().Err(err).Msg("Webhook publish failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.metrics.WebhookFailed.Add(1)
		f.logger.Warn().Int("status", resp.StatusCode).Msg("Webhook publish rejected")
		return
	}
	f.metrics.WebhookPublish.Add(1)
}
