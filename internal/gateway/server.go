package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/snoke-ws/gateway/internal/auth"
	"github.com/snoke-ws/gateway/internal/broker"
	"github.com/snoke-ws/gateway/internal/config"
	"github.com/snoke-ws/gateway/internal/inbox"
	"github.com/snoke-ws/gateway/internal/limits"
	"github.com/snoke-ws/gateway/internal/metrics"
	"github.com/snoke-ws/gateway/internal/ordering"
	"github.com/snoke-ws/gateway/internal/presence"
	"github.com/snoke-ws/gateway/internal/registry"
	"github.com/snoke-ws/gateway/internal/replay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed between inbound frames before the peer is considered dead.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Server is the gateway orchestrator: it terminates WebSocket sessions,
// serves the control API, and glues the dispatch-plane components
// together.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	metrics     *metrics.Registry
	verifier    *auth.Verifier
	registry    *registry.Registry
	presence    *presence.Store
	ordering    *ordering.Service
	orderingCfg ordering.Config
	publisher   *broker.Publisher
	consumer    *broker.Consumer
	forwarder   *inbox.Forwarder
	replayCtrl  *replay.Controller
	guard       *limits.ResourceGuard

	sessions sync.Map // connection_id -> *session

	listener     net.Listener
	httpServer   *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer wires all components from the configuration.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	verifier, err := auth.NewVerifier(auth.Config{
		Alg:      cfg.JWTAlg,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
		JWKSURL:  cfg.JWTJWKSURL,
		Key:      cfg.JWTPublicKey,
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("auth verifier: %w", err)
	}

	m := metrics.NewRegistry()
	reg := registry.New(m, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		metrics:  m,
		verifier: verifier,
		registry: reg,
		ordering: ordering.NewService(),
		orderingCfg: ordering.Config{
			Strategy:        cfg.OrderingStrategy,
			TopicField:      cfg.OrderingTopicField,
			SubjectSource:   cfg.OrderingSubjectSource,
			PartitionMode:   cfg.OrderingPartitionMode,
			PartitionMaxLen: cfg.OrderingPartitionMax,
		},
		presence: presence.NewStore(presence.Config{
			DSN:                cfg.PresenceRedisDSN,
			Prefix:             cfg.PresenceRedisPrefix,
			Strategy:           cfg.PresenceStrategy,
			TTLSeconds:         cfg.PresenceTTLSeconds,
			HeartbeatSeconds:   cfg.PresenceHeartbeatSeconds,
			GraceSeconds:       cfg.PresenceGraceSeconds,
			RefreshMinInterval: cfg.PresenceRefreshMinInterval,
			RefreshQueueSize:   cfg.PresenceRefreshQueueSize,
		}, logger),
		publisher: broker.NewPublisher(cfg.RabbitMQDSN, logger),
		consumer: broker.NewConsumer(broker.ConsumerConfig{
			DSN:        cfg.RabbitMQDSN,
			Exchange:   cfg.RabbitMQExchange,
			Queue:      cfg.RabbitMQQueue,
			BindingKey: cfg.RabbitMQBindingKey,
		}, reg, logger),
		forwarder: inbox.NewForwarder(inbox.Config{
			Mode:           cfg.Mode,
			RedisDSN:       cfg.InboxRedisDSN,
			Stream:         cfg.InboxStream,
			WebhookURL:     cfg.WebhookURL,
			WebhookTimeout: cfg.WebhookTimeout,
		}, m, logger),
		guard: limits.NewResourceGuard(limits.ResourceGuardConfig{
			Enabled:      cfg.GuardEnabled,
			CPUThreshold: cfg.GuardCPUThreshold,
			MemoryLimit:  cfg.GuardMemoryLimit,
		}, logger),
		ctx:    ctx,
		cancel: cancel,
	}

	limiter, idem, err := buildReplayBackends(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	s.replayCtrl = replay.NewController(replay.Config{
		IdentityKey: cfg.ReplayRateLimitKey,
		AuditLog:    cfg.ReplayAuditLog,
	}, limiter, idem,
		replay.NewDLQDrainer(cfg.RabbitMQDSN, cfg.RabbitMQDLQExchange, cfg.RabbitMQDLQQueue, logger),
		m, logger)

	// Sustained backpressure closes the session; the handler must not call
	// back into the registry synchronously.
	reg.SetDropHandler(s.onSendDropped)
	reg.SetSentHandler(s.onSendOK)

	return s, nil
}

func buildReplayBackends(cfg *config.Config) (replay.RateLimiter, replay.IdempotencyStore, error) {
	window := time.Duration(cfg.ReplayRateLimitWindow) * time.Second
	idemTTL := time.Duration(cfg.ReplayIdempotencyTTL) * time.Second

	var limiter replay.RateLimiter
	if cfg.ReplayRateLimitStrategy == "redis" && cfg.ReplayRateLimitRedisDSN != "" {
		opts, err := redis.ParseURL(cfg.ReplayRateLimitRedisDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("replay rate limit redis: %w", err)
		}
		limiter = replay.NewRedisRateLimiter(redis.NewClient(opts), cfg.ReplayRateLimitPrefix, cfg.ReplayRateLimitPerMin, window)
	} else {
		limiter = replay.NewMemoryRateLimiter(cfg.ReplayRateLimitPerMin, window)
	}

	var idem replay.IdempotencyStore
	if cfg.ReplayIdempotencyStrategy == "redis" && cfg.ReplayIdempotencyRedisDSN != "" {
		opts, err := redis.ParseURL(cfg.ReplayIdempotencyRedisDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("replay idempotency redis: %w", err)
		}
		idem = replay.NewRedisIdempotencyStore(redis.NewClient(opts), cfg.ReplayIdempotencyPrefix, idemTTL)
	} else {
		idem = replay.NewMemoryIdempotencyStore(idemTTL)
	}
	return limiter, idem, nil
}

// Start begins listening and launches the background workers.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.metrics.Handler(s.cfg.Mode))
	mux.HandleFunc("/api/publish", s.handlePublish)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/replay", s.handleReplay)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.presence.Start(s.ctx)
	s.consumer.Start(s.ctx)
	s.guard.Start(s.ctx)

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("mode", s.cfg.Mode).
		Msg("Gateway listening")
	return nil
}

// Shutdown drains sessions and stops all workers.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	// Cancel every live session; teardown runs in their pump goroutines.
	s.sessions.Range(func(_, value any) bool {
		if sess, ok := value.(*session); ok {
			sess.cancel()
		}
		return true
	})

	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	tick := time.NewTicker(time.Second)
	defer deadline.Stop()
	defer tick.Stop()
	for s.registry.Count() > 0 {
		select {
		case <-deadline.C:
			s.logger.Warn().Int("remaining", s.registry.Count()).Msg("Grace period expired with sessions remaining")
			goto done
		case <-tick.C:
		}
	}
done:

	s.cancel()
	s.wg.Wait()
	s.presence.Close()
	s.forwarder.Close()
	s.publisher.Close()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// onSendOK clears the slow-client strike counter. Only consecutive
// drops escalate to a close.
func (s *Server) onSendOK(connectionID string) {
	value, ok := s.sessions.Load(connectionID)
	if !ok {
		return
	}
	value.(*session).strikes.Store(0)
}

// onSendDropped applies the slow-client policy after a dropped push.
func (s *Server) onSendDropped(connectionID string) {
	value, ok := s.sessions.Load(connectionID)
	if !ok {
		return
	}
	sess := value.(*session)
	if sess.strikes.Add(1) >= slowClientStrikes {
		s.metrics.BackpressureClosed.Add(1)
		s.logger.Warn().
			Str("connection_id", connectionID).
			Msg("Closing slow client after sustained backpressure")
		sess.cancel()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.registry.Count())
}
