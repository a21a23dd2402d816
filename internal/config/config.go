package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Gateway basics
	Mode string `env:"MODE" envDefault:"core"` // core or terminator
	Addr string `env:"WS_ADDR" envDefault:":3002"`

	// Session limits
	SendQueueSize      int     `env:"WS_SEND_QUEUE_SIZE" envDefault:"256"`
	RateLimitPerSec    float64 `env:"WS_RATE_LIMIT_PER_SEC" envDefault:"10"`
	RateLimitBurst     int     `env:"WS_RATE_LIMIT_BURST" envDefault:"100"`
	RefreshEveryMsgs   int     `env:"PRESENCE_REFRESH_EVERY_MSGS" envDefault:"10"`

	// Token verification
	JWTAlg       string        `env:"JWT_ALG" envDefault:"RS256"`
	JWTIssuer    string        `env:"JWT_ISSUER"`
	JWTAudience  string        `env:"JWT_AUDIENCE"`
	JWTLeeway    time.Duration `env:"JWT_LEEWAY" envDefault:"0s"`
	JWTJWKSURL   string        `env:"JWT_JWKS_URL"`
	JWTPublicKey string        `env:"JWT_PUBLIC_KEY"`

	// Ordering
	OrderingStrategy      string `env:"ORDERING_STRATEGY"` // topic, subject, or unset
	OrderingTopicField    string `env:"ORDERING_TOPIC_FIELD" envDefault:"topic"`
	OrderingSubjectSource string `env:"ORDERING_SUBJECT_SOURCE" envDefault:"subject"` // subject or user
	OrderingPartitionMode string `env:"ORDERING_PARTITION_MODE"`                      // suffix or unset
	OrderingPartitionMax  int    `env:"ORDERING_PARTITION_MAX_LEN" envDefault:"0"`

	// Presence
	PresenceStrategy           string        `env:"PRESENCE_STRATEGY" envDefault:"ttl"` // ttl, session, heartbeat
	PresenceRedisDSN           string        `env:"PRESENCE_REDIS_DSN"`
	PresenceRedisPrefix        string        `env:"PRESENCE_REDIS_PREFIX" envDefault:"ws:presence:"`
	PresenceTTLSeconds         int64         `env:"PRESENCE_TTL_SECONDS" envDefault:"300"`
	PresenceHeartbeatSeconds   int64         `env:"PRESENCE_HEARTBEAT_SECONDS" envDefault:"30"`
	PresenceGraceSeconds       int64         `env:"PRESENCE_GRACE_SECONDS" envDefault:"30"`
	PresenceRefreshMinInterval time.Duration `env:"PRESENCE_REFRESH_MIN_INTERVAL_SECONDS" envDefault:"5s"`
	PresenceRefreshQueueSize   int           `env:"PRESENCE_REFRESH_QUEUE_SIZE" envDefault:"1024"`

	// Replay rate limiting
	ReplayRateLimitStrategy string `env:"REPLAY_RATE_LIMIT_STRATEGY" envDefault:"memory"` // memory or redis
	ReplayRateLimitRedisDSN string `env:"REPLAY_RATE_LIMIT_REDIS_DSN"`
	ReplayRateLimitKey      string `env:"REPLAY_RATE_LIMIT_KEY" envDefault:"ip"` // api_key, ip, api_key_and_ip
	ReplayRateLimitPerMin   int64  `env:"REPLAY_RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	ReplayRateLimitWindow   int64  `env:"REPLAY_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	ReplayRateLimitPrefix   string `env:"REPLAY_RATE_LIMIT_PREFIX" envDefault:"ws:replay:rl:"`

	// Replay idempotency
	ReplayIdempotencyStrategy string `env:"REPLAY_IDEMPOTENCY_STRATEGY" envDefault:"memory"` // memory or redis
	ReplayIdempotencyRedisDSN string `env:"REPLAY_IDEMPOTENCY_REDIS_DSN"`
	ReplayIdempotencyPrefix   string `env:"REPLAY_IDEMPOTENCY_PREFIX" envDefault:"ws:replay:idem:"`
	ReplayIdempotencyTTL      int64  `env:"REPLAY_IDEMPOTENCY_TTL_SECONDS" envDefault:"3600"`

	// Replay audit
	ReplayAuditLog bool `env:"REPLAY_AUDIT_LOG" envDefault:"true"`

	// Broker
	RabbitMQDSN            string `env:"RABBITMQ_DSN"`
	RabbitMQDLQExchange    string `env:"RABBITMQ_DLQ_EXCHANGE" envDefault:"ws.dlx"`
	RabbitMQDLQQueue       string `env:"RABBITMQ_DLQ_QUEUE" envDefault:"ws.dlq"`
	RabbitMQExchange       string `env:"RABBITMQ_EXCHANGE" envDefault:"ws.events"`
	RabbitMQQueue          string `env:"RABBITMQ_QUEUE"`
	RabbitMQBindingKey     string `env:"RABBITMQ_BINDING_KEY"`
	RabbitMQPublishRouting string `env:"RABBITMQ_PUBLISH_ROUTING_KEY" envDefault:"events"`

	// Inbox forwarding
	InboxRedisDSN  string        `env:"INBOX_REDIS_DSN"`
	InboxStream    string        `env:"INBOX_REDIS_STREAM" envDefault:"ws.inbox"`
	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`

	// Admission guard
	GuardEnabled      bool    `env:"GUARD_ENABLED" envDefault:"false"`
	GuardCPUThreshold float64 `env:"GUARD_CPU_THRESHOLD" envDefault:"85.0"`
	GuardMemoryLimit  int64   `env:"GUARD_MEMORY_LIMIT" envDefault:"0"`

	// HTTP server
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json or text
}

// Load reads configuration from an optional .env file and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.Mode != "core" && c.Mode != "terminator" {
		return fmt.Errorf("MODE must be core or terminator (got: %s)", c.Mode)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("WS_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}

	switch c.JWTAlg {
	case "HS256", "HS384", "HS512", "RS256", "RS384", "RS512":
	default:
		return fmt.Errorf("JWT_ALG must be one of HS256/384/512, RS256/384/512 (got: %s)", c.JWTAlg)
	}
	if c.JWTJWKSURL != "" && c.JWTPublicKey != "" {
		return fmt.Errorf("JWT_JWKS_URL and JWT_PUBLIC_KEY are mutually exclusive")
	}

	switch c.OrderingStrategy {
	case "", "topic", "subject":
	default:
		return fmt.Errorf("ORDERING_STRATEGY must be topic, subject, or unset (got: %s)", c.OrderingStrategy)
	}
	switch c.OrderingSubjectSource {
	case "subject", "user":
	default:
		return fmt.Errorf("ORDERING_SUBJECT_SOURCE must be subject or user (got: %s)", c.OrderingSubjectSource)
	}
	switch c.OrderingPartitionMode {
	case "", "suffix":
	default:
		return fmt.Errorf("ORDERING_PARTITION_MODE must be suffix or unset (got: %s)", c.OrderingPartitionMode)
	}

	switch c.PresenceStrategy {
	case "ttl", "session", "heartbeat":
	default:
		return fmt.Errorf("PRESENCE_STRATEGY must be ttl, session, or heartbeat (got: %s)", c.PresenceStrategy)
	}

	switch c.ReplayRateLimitStrategy {
	case "memory", "redis":
	default:
		return fmt.Errorf("REPLAY_RATE_LIMIT_STRATEGY must be memory or redis (got: %s)", c.ReplayRateLimitStrategy)
	}
	switch c.ReplayRateLimitKey {
	case "api_key", "ip", "api_key_and_ip":
	default:
		return fmt.Errorf("REPLAY_RATE_LIMIT_KEY must be api_key, ip, or api_key_and_ip (got: %s)", c.ReplayRateLimitKey)
	}
	switch c.ReplayIdempotencyStrategy {
	case "memory", "redis":
	default:
		return fmt.Errorf("REPLAY_IDEMPOTENCY_STRATEGY must be memory or redis (got: %s)", c.ReplayIdempotencyStrategy)
	}

	if c.GuardCPUThreshold < 0 || c.GuardCPUThreshold > 100 {
		return fmt.Errorf("GUARD_CPU_THRESHOLD must be 0-100, got %.1f", c.GuardCPUThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("mode", c.Mode).
		Str("addr", c.Addr).
		Int("send_queue_size", c.SendQueueSize).
		Float64("rate_limit_per_sec", c.RateLimitPerSec).
		Int("rate_limit_burst", c.RateLimitBurst).
		Str("jwt_alg", c.JWTAlg).
		Bool("jwt_jwks", c.JWTJWKSURL != "").
		Str("ordering_strategy", c.OrderingStrategy).
		Str("ordering_partition_mode", c.OrderingPartitionMode).
		Str("presence_strategy", c.PresenceStrategy).
		Bool("presence_enabled", c.PresenceRedisDSN != "").
		Str("replay_rate_limit_strategy", c.ReplayRateLimitStrategy).
		Str("replay_idempotency_strategy", c.ReplayIdempotencyStrategy).
		Bool("broker_enabled", c.RabbitMQDSN != "").
		Bool("guard_enabled", c.GuardEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
