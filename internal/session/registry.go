package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"remote-clauding/internal/protocol"
)

const (
	// DefaultHistorySize is the number of events retained per session.
	DefaultHistorySize = 200
	previewLimit       = 100
)

var (
	ErrExists   = errors.New("session already exists")
	ErrNotFound = errors.New("session not found")
)

// Registry holds the live sessions known to the relay. It does no locking
// of its own: every call must be serialized by the caller.
type Registry struct {
	sessions    map[string]*Session
	order       []string
	historySize int
	clock       clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historySize = n
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		historySize: DefaultHistorySize,
		clock:       clock{now: time.Now},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create adds a new session in status idle with empty history.
func (r *Registry) Create(id, projectName, projectPath string) (*Session, error) {
	if _, ok := r.sessions[id]; ok {
		log.Warn().Str("session", id).Msg("session already registered")
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	now := r.clock.now()
	s := &Session{
		ID:           id,
		ProjectName:  projectName,
		ProjectPath:  projectPath,
		Status:       protocol.StatusIdle,
		CreatedAt:    now,
		LastActivity: now,
		history:      NewRingBuffer(r.historySize),
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// List returns one summary per session in insertion order.
func (r *Registry) List() []protocol.SessionSummary {
	out := make([]protocol.SessionSummary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].Summary())
	}
	return out
}

// UpdateStatus sets the session status and refreshes its activity time.
func (r *Registry) UpdateStatus(id string, status protocol.Status) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Status = status
	s.LastActivity = r.clock.now()
	return nil
}

// Append records ev in the session history and returns it with its
// timestamp set. An event that already carries a timestamp keeps it.
func (r *Registry) Append(id string, ev protocol.OutputEvent) (protocol.OutputEvent, error) {
	s, ok := r.sessions[id]
	if !ok {
		return ev, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = r.clock.stamp()
	} else {
		r.clock.observe(ev.Timestamp)
	}
	s.history.Write(ev)
	s.LastActivity = r.clock.now()
	return ev, nil
}

// MessagesSince returns the retained events newer than since, in order.
// An unknown session yields an empty slice.
func (r *Registry) MessagesSince(id string, since int64) []protocol.OutputEvent {
	s, ok := r.sessions[id]
	if !ok {
		return []protocol.OutputEvent{}
	}
	return s.history.ReadSince(since)
}

// Remove deletes the session and tells each subscriber it was closed.
func (r *Registry) Remove(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	closed := protocol.MustEncode(protocol.NewSessionClosed(id))
	if dropped := s.Broadcast(closed); dropped > 0 {
		log.Warn().Str("session", id).Int("dropped", dropped).Msg("session_closed not delivered to all subscribers")
	}
	s.subscribers = nil
	s.owner = nil
	return s, true
}
