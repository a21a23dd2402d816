package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/snoke-ws/gateway/internal/registry"
)

// Config holds the presence store settings.
type Config struct {
	DSN                string
	Prefix             string
	Strategy           string // ttl, session, or heartbeat
	TTLSeconds         int64
	HeartbeatSeconds   int64
	GraceSeconds       int64
	RefreshMinInterval time.Duration
	RefreshQueueSize   int
}

// Store maintains authoritative presence records in Redis.
//
// Each session owns three key families under the configured prefix: a
// conn hash, a user set, and one set per subject, all expiring together
// at the effective TTL. Refreshes are enqueued onto a bounded channel and
// drained by a single worker that coalesces bursts for the same
// connection to at most one round trip per RefreshMinInterval. An
// unconfigured store (empty DSN) turns every operation into a no-op, and
// Redis failures are logged at warn without propagating.
type Store struct {
	cfg    Config
	client *redis.Client
	logger zerolog.Logger

	mu          sync.Mutex
	lastRefresh map[string]time.Time

	refreshCh chan registry.ConnectionInfo
	wg        sync.WaitGroup

	now func() time.Time
}

// NewStore builds the store; an empty or unparseable DSN disables it.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	if cfg.RefreshQueueSize <= 0 {
		cfg.RefreshQueueSize = 1024
	}
	s := &Store{
		cfg:         cfg,
		logger:      logger.With().Str("component", "presence").Logger(),
		lastRefresh: make(map[string]time.Time),
		refreshCh:   make(chan registry.ConnectionInfo, cfg.RefreshQueueSize),
		now:         time.Now,
	}
	if cfg.DSN != "" {
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Invalid presence Redis DSN, presence disabled")
		} else {
			s.client = redis.NewClient(opts)
		}
	}
	return s
}

// Start launches the refresh worker; it drains until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	if s.client == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case conn := <-s.refreshCh:
				s.refreshNow(ctx, conn)
			}
		}
	}()
}

// Close releases the Redis client after the worker has stopped.
func (s *Store) Close() {
	s.wg.Wait()
	if s.client != nil {
		_ = s.client.Close()
	}
}

// effectiveTTL maps the strategy onto a key TTL. The session strategy
// never expires records; heartbeat expires at heartbeat+grace.
func (s *Store) effectiveTTL() time.Duration {
	switch s.cfg.Strategy {
	case "session":
		return 0
	case "heartbeat":
		secs := s.cfg.HeartbeatSeconds + s.cfg.GraceSeconds
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second
	default:
		secs := s.cfg.TTLSeconds
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second
	}
}

// Set writes the full presence record for a session in one pipeline.
func (s *Store) Set(ctx context.Context, conn registry.ConnectionInfo) {
	if s.client == nil {
		return
	}
	subjectsJSON, _ := json.Marshal(conn.Subjects)
	ttl := s.effectiveTTL()
	now := s.now().Unix()

	pipe := s.client.Pipeline()
	connKey := s.connKey(conn.ConnectionID)
	pipe.HSet(ctx, connKey, map[string]any{
		"connection_id": conn.ConnectionID,
		"user_id":       conn.UserID,
		"subjects":      string(subjectsJSON),
		"connected_at":  strconv.FormatInt(conn.ConnectedAt, 10),
		"last_seen_at":  strconv.FormatInt(now, 10),
	})
	if ttl > 0 {
		pipe.Expire(ctx, connKey, ttl)
	}
	userKey := s.userKey(conn.UserID)
	pipe.SAdd(ctx, userKey, conn.ConnectionID)
	if ttl > 0 {
		pipe.Expire(ctx, userKey, ttl)
	}
	for _, subject := range conn.Subjects {
		subjectKey := s.subjectKey(subject)
		pipe.SAdd(ctx, subjectKey, conn.ConnectionID)
		if ttl > 0 {
			pipe.Expire(ctx, subjectKey, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("connection_id", conn.ConnectionID).Msg("Presence set failed")
	}
}

// Refresh enqueues a TTL refresh for the worker. A full queue drops the
// request silently; the next refresh or heartbeat covers it.
func (s *Store) Refresh(conn registry.ConnectionInfo) {
	if s.client == nil {
		return
	}
	select {
	case s.refreshCh <- conn:
	default:
	}
}

// Remove deletes the presence record and its index memberships.
func (s *Store) Remove(ctx context.Context, conn registry.ConnectionInfo) {
	if s.client == nil {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.connKey(conn.ConnectionID))
	pipe.SRem(ctx, s.userKey(conn.UserID), conn.ConnectionID)
	for _, subject := range conn.Subjects {
		pipe.SRem(ctx, s.subjectKey(subject), conn.ConnectionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("connection_id", conn.ConnectionID).Msg("Presence remove failed")
	}

	s.mu.Lock()
	delete(s.lastRefresh, conn.ConnectionID)
	s.mu.Unlock()
}

// refreshNow issues the coalesced refresh pipeline unless a refresh for
// this connection already happened within the minimum interval. Skipped
// attempts still stamp the map so a burst collapses to one round trip.
func (s *Store) refreshNow(ctx context.Context, conn registry.ConnectionInfo) {
	ttl := s.effectiveTTL()
	if ttl <= 0 {
		return
	}
	if !s.markRefresh(conn.ConnectionID, s.now()) {
		return
	}

	pipe := s.client.Pipeline()
	connKey := s.connKey(conn.ConnectionID)
	pipe.HSet(ctx, connKey, "last_seen_at", strconv.FormatInt(s.now().Unix(), 10))
	pipe.Expire(ctx, connKey, ttl)
	pipe.Expire(ctx, s.userKey(conn.UserID), ttl)
	for _, subject := range conn.Subjects {
		pipe.Expire(ctx, s.subjectKey(subject), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("connection_id", conn.ConnectionID).Msg("Presence refresh failed")
	}
}

// markRefresh records a refresh attempt and reports whether the round
// trip should be issued. last_seen_at is monotonic within a session since
// the worker is the only writer.
func (s *Store) markRefresh(connectionID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastRefresh[connectionID]
	s.lastRefresh[connectionID] = now
	if s.cfg.RefreshMinInterval > 0 && seen && now.Sub(last) < s.cfg.RefreshMinInterval {
		return false
	}
	return true
}

func (s *Store) connKey(connectionID string) string {
	return s.cfg.Prefix + "conn:" + connectionID
}

func (s *Store) userKey(userID string) string {
	return s.cfg.Prefix + "user:" + userID
}

func (s *Store) subjectKey(subject string) string {
	return s.cfg.Prefix + "subject:" + subject
}
