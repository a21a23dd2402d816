package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/snoke-ws/gateway/internal/registry"
	"github.com/snoke-ws/gateway/internal/replay"
)

type publishRequest struct {
	Subjects   []string        `json:"subjects"`
	Payload    json.RawMessage `json:"payload"`
	Stream     string          `json:"stream"`
	RoutingKey string          `json:"routing_key"`
}

// handlePublish dispatches an event: broker publish with the partition
// applied when a stream is named, local fan-out to the named subjects.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		writeJSONError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if len(req.Subjects) == 0 && req.Stream == "" {
		writeJSONError(w, http.StatusBadRequest, "subjects or stream is required")
		return
	}

	var payloadMap map[string]any
	_ = json.Unmarshal(req.Payload, &payloadMap)
	key := s.ordering.DeriveOrderingKey(s.orderingCfg, registry.ConnectionInfo{}, payloadMap)
	stream, routingKey := s.ordering.ApplyPartition(s.orderingCfg, req.Stream, req.RoutingKey, key)

	if stream != "" && s.publisher.Enabled() {
		if err := s.publisher.Publish(r.Context(), stream, routingKey, req.Payload); err != nil {
			s.logger.Error().
				Err(err).
				Str("stream", stream).
				Str("routing_key", routingKey).
				Msg("Broker publish failed")
		} else {
			s.metrics.BrokerPublish.Add(1)
		}
	}

	sent := 0
	if len(req.Subjects) > 0 {
		sent = s.registry.SendToSubjects(req.Subjects, req.Payload)
	}
	s.metrics.Publish.Add(1)

	s.logger.Debug().
		Strs("subjects", req.Subjects).
		Str("stream", stream).
		Str("routing_key", routingKey).
		Int("sent", sent).
		Msg("Publish dispatched")

	writeJSON(w, http.StatusOK, map[string]any{
		"sent":        sent,
		"stream":      stream,
		"routing_key": routingKey,
	})
}

// handleConnections lists live connections, optionally filtered by
// subject and user_id.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conns := s.registry.List(r.URL.Query().Get("subject"), r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

type replayRequest struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
	Limit      int64  `json:"limit"`
}

// handleReplay drains dead-lettered messages back to a target exchange.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body replayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req := replay.Request{
		RequestID:      requestID,
		CallerIP:       getClientIP(r),
		APIKey:         r.Header.Get("X-API-Key"),
		Exchange:       body.Exchange,
		RoutingKey:     body.RoutingKey,
		Limit:          body.Limit,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	}

	replayed, err := s.replayCtrl.Replay(r.Context(), req)
	switch {
	case errors.Is(err, replay.ErrDenied):
		writeJSONError(w, http.StatusBadRequest, "exchange and a positive limit are required")
		return
	case errors.Is(err, replay.ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, "replay rate limit exceeded")
		return
	case err != nil:
		s.logger.Error().
			Err(err).
			Str("request_id", requestID).
			Int64("replayed", replayed).
			Msg("Replay failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":      "replay failed",
			"replayed":   replayed,
			"request_id": requestID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"replayed":   replayed,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
