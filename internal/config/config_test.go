package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Mode:                      "core",
		Addr:                      ":3002",
		SendQueueSize:             256,
		JWTAlg:                    "RS256",
		OrderingSubjectSource:     "subject",
		PresenceStrategy:          "ttl",
		ReplayRateLimitStrategy:   "memory",
		ReplayRateLimitKey:        "ip",
		ReplayIdempotencyStrategy: "memory",
		GuardCPUThreshold:         85,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"bad mode", func(c *Config) { c.Mode = "edge" }},
		{"zero queue", func(c *Config) { c.SendQueueSize = 0 }},
		{"bad jwt alg", func(c *Config) { c.JWTAlg = "none" }},
		{"both key sources", func(c *Config) { c.JWTJWKSURL = "https://x/jwks"; c.JWTPublicKey = "pem" }},
		{"bad ordering strategy", func(c *Config) { c.OrderingStrategy = "random" }},
		{"bad subject source", func(c *Config) { c.OrderingSubjectSource = "header" }},
		{"bad partition mode", func(c *Config) { c.OrderingPartitionMode = "prefix" }},
		{"bad presence strategy", func(c *Config) { c.PresenceStrategy = "polling" }},
		{"bad replay limiter", func(c *Config) { c.ReplayRateLimitStrategy = "etcd" }},
		{"bad replay key", func(c *Config) { c.ReplayRateLimitKey = "hostname" }},
		{"bad idempotency backend", func(c *Config) { c.ReplayIdempotencyStrategy = "disk" }},
		{"cpu threshold over 100", func(c *Config) { c.GuardCPUThreshold = 150 }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace2" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
