package registry

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snoke-ws/gateway/internal/metrics"
)

// ConnectionInfo identifies one live session.
type ConnectionInfo struct {
	ConnectionID string   `json:"connection_id"`
	UserID       string   `json:"user_id"`
	Subjects     []string `json:"subjects"`
	ConnectedAt  int64    `json:"connected_at"`
	Traceparent  string   `json:"traceparent,omitempty"`
}

// envelope is the canonical server-to-client message frame.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type entry struct {
	info ConnectionInfo
	send chan []byte
}

// Registry is the indexed set of live sessions.
//
// The primary map and the subject index are guarded by one RWMutex:
// Add/Remove take the write lock, lookups and fan-out take the read lock.
// A connection id appears in the index for subject S exactly when S is in
// its ConnectionInfo.Subjects and the connection is in the primary map;
// empty subject sets are never retained. Pushes onto a session's send
// queue are non-blocking: a full queue drops the message.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*entry
	subjects map[string]map[string]struct{}

	metrics *metrics.Registry
	logger  zerolog.Logger

	// onDrop and onSent, when set, are invoked with the connection id
	// after a failed or successful push. Neither may call back into the
	// registry synchronously.
	onDrop func(connectionID string)
	onSent func(connectionID string)
}

// New builds an empty registry.
func New(m *metrics.Registry, logger zerolog.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]*entry),
		subjects: make(map[string]map[string]struct{}),
		metrics:  m,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// SetDropHandler registers the callback invoked when a push is dropped.
func (r *Registry) SetDropHandler(fn func(connectionID string)) {
	r.onDrop = fn
}

// SetSentHandler registers the callback invoked when a push is enqueued.
func (r *Registry) SetSentHandler(fn func(connectionID string)) {
	r.onSent = fn
}

// Add registers a session and indexes its subjects.
// Duplicate subjects in the info collapse to one index entry.
func (r *Registry) Add(info ConnectionInfo, send chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subject := range info.Subjects {
		set := r.subjects[subject]
		if set == nil {
			set = make(map[string]struct{})
			r.subjects[subject] = set
		}
		set[info.ConnectionID] = struct{}{}
	}
	r.conns[info.ConnectionID] = &entry{info: info, send: send}
}

// Remove deregisters a session, prunes its subject index entries, and
// returns the prior info, or nil if the id was unknown.
func (r *Registry) Remove(connectionID string) *ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	delete(r.conns, connectionID)
	for _, subject := range e.info.Subjects {
		if set, ok := r.subjects[subject]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.subjects, subject)
			}
		}
	}
	info := e.info
	return &info
}

// SendMessage enqueues raw bytes for one session. It returns false when
// the session is unknown or its queue is full.
func (r *Registry) SendMessage(connectionID string, payload []byte) bool {
	r.mu.RLock()
	e, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.push(e, payload)
}

// SendToSubjects fans a payload out to the union of subscribers across the
// given subjects, wrapped in the event envelope. It returns the number of
// successful enqueues. Ordering across different sessions is not defined.
func (r *Registry) SendToSubjects(subjects []string, payload any) int {
	data, err := json.Marshal(envelope{Type: "event", Payload: payload})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to encode event envelope")
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make(map[string]struct{})
	for _, subject := range subjects {
		for id := range r.subjects[subject] {
			targets[id] = struct{}{}
		}
	}

	sent := 0
	for id := range targets {
		e, ok := r.conns[id]
		if !ok {
			continue
		}
		if r.push(e, data) {
			sent++
		}
	}
	return sent
}

// List returns the sessions matching the optional subject and user filters.
func (r *Registry) List(subject, userID string) []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]ConnectionInfo, 0)
	for _, e := range r.conns {
		if subject != "" && !containsSubject(e.info.Subjects, subject) {
			continue
		}
		if userID != "" && e.info.UserID != userID {
			continue
		}
		results = append(results, e.info)
	}
	return results
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// push enqueues without blocking. An enqueue into a queue already at or
// above half capacity counts as buffered; a full queue counts as dropped
// and notifies the drop handler.
func (r *Registry) push(e *entry, data []byte) bool {
	halfFull := cap(e.send) > 0 && len(e.send) >= cap(e.send)/2
	select {
	case e.send <- data:
		if r.metrics != nil && halfFull {
			r.metrics.BackpressureBuffered.Add(1)
		}
		if r.onSent != nil {
			r.onSent(e.info.ConnectionID)
		}
		return true
	default:
		if r.metrics != nil {
			r.metrics.BackpressureDropped.Add(1)
		}
		if r.onDrop != nil {
			r.onDrop(e.info.ConnectionID)
		}
		return false
	}
}

func containsSubject(subjects []string, subject string) bool {
	for _, s := range subjects {
		if s == subject {
			return true
		}
	}
	return false
}
