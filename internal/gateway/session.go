package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/snoke-ws/gateway/internal/auth"
	"github.com/snoke-ws/gateway/internal/inbox"
	"github.com/snoke-ws/gateway/internal/limits"
	"github.com/snoke-ws/gateway/internal/monitoring"
	"github.com/snoke-ws/gateway/internal/registry"
)

// slowClientStrikes is how many dropped pushes a session survives before
// it is closed.
const slowClientStrikes = 3

type session struct {
	info    registry.ConnectionInfo
	conn    net.Conn
	send    chan []byte
	limiter *limits.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	strikes   atomic.Int32
	msgCount  int
	closeOnce sync.Once
}

// handleWebSocket authenticates and upgrades a client connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if accept, reason := s.guard.ShouldAccept(); !accept {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Msg("Connection rejected by resource guard")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	claims, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			http.Error(w, "Missing token", http.StatusUnauthorized)
		case errors.Is(err, auth.ErrConfigMissing):
			s.logger.Error().Msg("Token verification unavailable")
			http.Error(w, "Verification unavailable", http.StatusInternalServerError)
		default:
			s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Token rejected")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
		}
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	info := registry.ConnectionInfo{
		ConnectionID: uuid.NewString(),
		UserID:       auth.Subject(claims),
		Subjects:     parseSubjects(r.URL.Query().Get("subjects")),
		ConnectedAt:  time.Now().Unix(),
		Traceparent:  r.Header.Get("traceparent"),
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		info:    info,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendQueueSize),
		limiter: limits.NewTokenBucket(s.cfg.RateLimitPerSec, s.cfg.RateLimitBurst),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.registry.Add(info, sess.send)
	s.sessions.Store(info.ConnectionID, sess)
	s.presence.Set(ctx, info)
	s.metrics.WSConnections.Add(1)

	s.logger.Info().
		Str("connection_id", info.ConnectionID).
		Str("user_id", info.UserID).
		Strs("subjects", info.Subjects).
		Str("client_ip", clientIP).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(sess)
	go s.readPump(sess)
}

// readPump consumes inbound frames until the peer goes away.
func (s *Server) readPump(sess *session) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": sess.info.ConnectionID,
	})
	defer s.teardown(sess)

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(sess.conn)
		if err != nil {
			return
		}

		sess.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !sess.limiter.Allow() {
				s.metrics.WSRateLimited.Add(1)
				s.logger.Warn().
					Str("connection_id", sess.info.ConnectionID).
					Msg("Client rate limited")
				// Best effort; a slow client will not see it anyway.
				if data, err := json.Marshal(map[string]any{
					"type":    "error",
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Too many messages, please slow down",
				}); err == nil {
					select {
					case sess.send <- data:
					default:
					}
				}
				continue
			}
			s.handleInbound(sess, msg)

		case ws.OpClose:
			return
		}
	}
}

// handleInbound dispatches a client event: broker publish with ordering
// applied, upstream forwarding, and local fan-out when the event names
// target subjects.
func (s *Server) handleInbound(sess *session, msg []byte) {
	s.metrics.WSMessagesIn.Add(1)

	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		s.logger.Debug().
			Str("connection_id", sess.info.ConnectionID).
			Msg("Discarding malformed client event")
		return
	}

	s.metrics.Publish.Add(1)

	key := s.ordering.DeriveOrderingKey(s.orderingCfg, sess.info, payload)
	_, routingKey := s.ordering.ApplyPartition(s.orderingCfg, s.cfg.RabbitMQExchange, s.cfg.RabbitMQPublishRouting, key)

	if s.publisher.Enabled() {
		if err := s.publisher.Publish(sess.ctx, s.cfg.RabbitMQExchange, routingKey, msg); err != nil {
			s.logger.Error().
				Err(err).
				Str("routing_key", routingKey).
				Msg("Broker publish failed")
		} else {
			s.metrics.BrokerPublish.Add(1)
		}
	}

	s.forwarder.Forward(sess.ctx, inbox.Event{
		ConnectionID: sess.info.ConnectionID,
		UserID:       sess.info.UserID,
		Payload:      json.RawMessage(msg),
		ReceivedAt:   time.Now().Unix(),
		Traceparent:  sess.info.Traceparent,
	})

	if subjects := stringSlice(payload["subjects"]); len(subjects) > 0 {
		s.registry.SendToSubjects(subjects, json.RawMessage(msg))
	}

	sess.msgCount++
	if s.cfg.RefreshEveryMsgs > 0 && sess.msgCount%s.cfg.RefreshEveryMsgs == 0 {
		s.presence.Refresh(sess.info)
	}
}

// writePump batches queued messages to reduce syscalls and keeps the
// connection alive with pings.
func (s *Server) writePump(sess *session) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"connection_id": sess.info.ConnectionID,
	})

	writer := bufio.NewWriter(sess.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.closeOnce.Do(func() {
			sess.conn.Close()
		})
	}()

	for {
		select {
		case <-sess.ctx.Done():
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(sess.conn, ws.OpClose, []byte{})
			return

		case message := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connection_id", sess.info.ConnectionID).
					Msg("Failed to write message")
				return
			}
			s.metrics.WSMessagesOut.Add(1)

			// Drain whatever else is already queued before flushing.
			n := len(sess.send)
			for i := 0; i < n; i++ {
				message = <-sess.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().
						Err(err).
						Str("connection_id", sess.info.ConnectionID).
						Msg("Failed to write message")
					return
				}
				s.metrics.WSMessagesOut.Add(1)
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connection_id", sess.info.ConnectionID).
					Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sess.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().
					Err(err).
					Str("connection_id", sess.info.ConnectionID).
					Msg("Failed to send ping")
				return
			}
			s.presence.Refresh(sess.info)
		}
	}
}

// teardown runs exactly once per session, from the read pump.
func (s *Server) teardown(sess *session) {
	sess.cancel()
	sess.closeOnce.Do(func() {
		sess.conn.Close()
	})
	s.sessions.Delete(sess.info.ConnectionID)
	if info := s.registry.Remove(sess.info.ConnectionID); info != nil {
		s.presence.Remove(context.Background(), *info)
	}
	s.metrics.WSDisconnects.Add(1)

	s.logger.Info().
		Str("connection_id", sess.info.ConnectionID).
		Str("user_id", sess.info.UserID).
		Msg("Client disconnected")
}

// bearerToken pulls the credential from the token query parameter or an
// Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func parseSubjects(raw string) []string {
	if raw == "" {
		return nil
	}
	var subjects []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			subjects = append(subjects, part)
		}
	}
	return subjects
}

// stringSlice coerces a decoded JSON value into a string slice, skipping
// non-string members.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getClientIP extracts the caller address, honoring X-Forwarded-For when
// a proxy fronts the gateway.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
