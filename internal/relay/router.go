package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"remote-clauding/internal/metrics"
	"remote-clauding/internal/protocol"
	"remote-clauding/internal/push"
	"remote-clauding/internal/session"
)

const errAgentNotConnected = "Agent not connected for this session"

// Notifier receives the relay's push notifications. Notify must not block.
type Notifier interface {
	Notify(n push.Notification)
}

// Router owns the session registry and every subscriber set. All mutations
// run under one mutex so each session observes a single total order of
// events.
type Router struct {
	mu       sync.Mutex
	registry *session.Registry
	clients  map[string]*Conn
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewRouter creates a Router over reg. notifier and m may be nil.
func NewRouter(reg *session.Registry, notifier Notifier, m *metrics.Metrics) *Router {
	return &Router{
		registry: reg,
		clients:  make(map[string]*Conn),
		notifier: notifier,
		metrics:  m,
	}
}

// Sessions returns the session list visible to scope ("" sees all).
func (r *Router) Sessions(scope string) []protocol.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsLocked(scope)
}

// CheckPairing reports whether token is the pairing secret of a live
// session.
func (r *Router) CheckPairing(sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.registry.Get(sessionID)
	return ok && s.Token != "" && s.Token == token
}

// --- client side ---

// AddClient joins c to the global set and sends it the current list.
func (r *Router) AddClient(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
	r.sendLocked(c, protocol.NewSessionsUpdated(r.sessionsLocked(c.scope)))
}

// RemoveClient drops c from the global set and from its subscription.
func (r *Router) RemoveClient(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c.id)
	r.unsubscribeLocked(c)
}

// Subscribe moves c onto sessionID and replays history newer than since.
func (r *Router) Subscribe(c *Conn, sessionID string, since int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.visibleLocked(c, sessionID)
	if !ok {
		r.sendLocked(c, protocol.NewErrorMessage(session.ErrNotFound.Error()))
		return
	}
	if c.sessionID != sessionID {
		r.unsubscribeLocked(c)
	}
	s.Subscribe(c)
	c.sessionID = sessionID
	r.sendLocked(c, protocol.NewMessageHistory(sessionID, r.registry.MessagesSince(sessionID, since)))
}

// Unsubscribe removes c from its current session, if any.
func (r *Router) Unsubscribe(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(c)
}

// UserMessage forwards content to the agent owning sessionID, records it
// and echoes it to every subscriber. Without a live agent the sender gets
// an error and nothing else happens.
func (r *Router) UserMessage(c *Conn, sessionID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.visibleLocked(c, sessionID)
	if !ok || s.Owner() == nil {
		r.sendLocked(c, protocol.NewErrorMessage(errAgentNotConnected))
		return
	}
	if !s.Owner().Send(protocol.MustEncode(protocol.NewUserMessage(sessionID, content))) {
		log.Warn().Str("session", sessionID).Msg("agent outbox full; rejecting user message")
		r.metrics.Dropped(string(RoleAgent), 1)
		r.sendLocked(c, protocol.NewErrorMessage(errAgentNotConnected))
		return
	}
	r.recordLocked(s, protocol.UserMessage(content))
}

// --- agent side ---

// RegisterAgent creates or refreshes the session an agent connection feeds.
// A connection owns at most one session; registering another id releases
// the previous one.
func (r *Router) RegisterAgent(c *Conn, env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := env.SessionID
	if c.sessionID != "" && c.sessionID != id {
		r.releaseLocked(c)
	}

	s, ok := r.registry.Get(id)
	if ok {
		if prev, isConn := s.Owner().(*Conn); isConn && prev != nil && prev != c {
			log.Warn().Str("session", id).Str("previous", prev.id).Str("conn", c.id).Msg("agent connection took over session")
			prev.sessionID = ""
		}
	} else {
		var err error
		if s, err = r.registry.Create(id, env.ProjectName, env.ProjectPath); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("register session")
			return
		}
	}
	if env.ProjectName != "" {
		s.ProjectName = env.ProjectName
	}
	if env.ProjectPath != "" {
		s.ProjectPath = env.ProjectPath
	}
	if env.SessionToken != "" {
		s.Token = env.SessionToken
	}
	s.SetOwner(c)
	c.sessionID = id

	log.Info().Str("session", id).Str("project", s.ProjectName).Msg("session registered")
	r.notify(push.Notification{
		Title: "Session Shared",
		Body:  `Claude session "` + s.ProjectName + `" is now shared`,
		Data:  map[string]string{"type": "session-shared", "sessionId": id},
	})
	r.sessionsChangedLocked()
}

// UnregisterAgent removes the session the agent owns.
func (r *Router) UnregisterAgent(c *Conn, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ownedLocked(c, sessionID); !ok {
		return
	}
	r.releaseLocked(c)
}

// RemoveAgent tears down whatever session c still owns.
func (r *Router) RemoveAgent(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(c)
}

// AgentOutput records ev with a receipt timestamp and fans it out.
func (r *Router) AgentOutput(c *Conn, sessionID string, ev protocol.OutputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ownedLocked(c, sessionID)
	if !ok {
		return
	}
	ev.Timestamp = 0
	r.recordLocked(s, ev)
}

// AgentStatus updates the session status and tells subscribers and the
// global list. Unknown statuses are ignored.
func (r *Router) AgentStatus(c *Conn, sessionID string, status protocol.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ownedLocked(c, sessionID)
	if !ok {
		return
	}
	if !status.Valid() {
		log.Debug().Str("session", sessionID).Str("status", string(status)).Msg("ignoring unknown status")
		return
	}
	_ = r.registry.UpdateStatus(sessionID, status)
	r.broadcastLocked(s, protocol.NewSessionStatus(sessionID, status))
	r.sessionsChangedLocked()
}

// AgentInputRequired marks the session as waiting on the user.
func (r *Router) AgentInputRequired(c *Conn, sessionID, prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ownedLocked(c, sessionID)
	if !ok {
		return
	}
	_ = r.registry.UpdateStatus(sessionID, protocol.StatusInputRequired)
	r.notify(push.Notification{
		Title: "Input Required",
		Body:  `Claude needs your input on "` + s.ProjectName + `"`,
		Data:  map[string]string{"type": "input-required", "sessionId": sessionID},
	})
	r.broadcastLocked(s, protocol.NewInputRequired(sessionID, prompt))
	r.sessionsChangedLocked()
}

// --- helpers, r.mu held ---

func (r *Router) sessionsLocked(scope string) []protocol.SessionSummary {
	all := r.registry.List()
	if scope == "" {
		return all
	}
	for _, s := range all {
		if s.ID == scope {
			return []protocol.SessionSummary{s}
		}
	}
	return []protocol.SessionSummary{}
}

func (r *Router) visibleLocked(c *Conn, sessionID string) (*session.Session, bool) {
	if c.scope != "" && c.scope != sessionID {
		return nil, false
	}
	return r.registry.Get(sessionID)
}

func (r *Router) ownedLocked(c *Conn, sessionID string) (*session.Session, bool) {
	if sessionID == "" || c.sessionID != sessionID {
		return nil, false
	}
	s, ok := r.registry.Get(sessionID)
	if !ok || s.Owner() != session.Conn(c) {
		return nil, false
	}
	return s, true
}

func (r *Router) unsubscribeLocked(c *Conn) {
	if c.sessionID == "" {
		return
	}
	if s, ok := r.registry.Get(c.sessionID); ok {
		s.Unsubscribe(c)
	}
	c.sessionID = ""
}

func (r *Router) releaseLocked(c *Conn) {
	id := c.sessionID
	c.sessionID = ""
	if id == "" {
		return
	}
	s, ok := r.registry.Get(id)
	if !ok || s.Owner() != session.Conn(c) {
		return
	}
	for _, sub := range s.Subscribers() {
		if sc, ok := sub.(*Conn); ok && sc.sessionID == id {
			sc.sessionID = ""
		}
	}
	r.registry.Remove(id)
	log.Info().Str("session", id).Msg("session removed")
	r.sessionsChangedLocked()
}

func (r *Router) recordLocked(s *session.Session, ev protocol.OutputEvent) {
	stamped, err := r.registry.Append(s.ID, ev)
	if err != nil {
		log.Warn().Err(err).Msg("append event")
		return
	}
	r.metrics.EventRecorded(string(stamped.Type))
	r.broadcastLocked(s, protocol.NewClaudeOutput(s.ID, stamped))
}

func (r *Router) broadcastLocked(s *session.Session, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("encode broadcast")
		return
	}
	if dropped := s.Broadcast(data); dropped > 0 {
		log.Warn().Str("session", s.ID).Int("dropped", dropped).Msg("subscriber outbox full")
		r.metrics.Dropped(string(RoleClient), dropped)
	}
}

func (r *Router) sessionsChangedLocked() {
	r.metrics.SetSessions(r.registry.Len())
	full := r.registry.List()
	var fullData []byte
	for _, c := range r.clients {
		var data []byte
		if c.scope == "" {
			if fullData == nil {
				fullData = protocol.MustEncode(protocol.NewSessionsUpdated(full))
			}
			data = fullData
		} else {
			data = protocol.MustEncode(protocol.NewSessionsUpdated(r.sessionsLocked(c.scope)))
		}
		if !c.Send(data) {
			r.metrics.Dropped(string(RoleClient), 1)
		}
	}
}

func (r *Router) sendLocked(c *Conn, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		log.Warn().Err(err).Msg("encode reply")
		return
	}
	if !c.Send(data) {
		log.Warn().Str("conn", c.id).Msg("outbox full; dropping reply")
		r.metrics.Dropped(string(c.role), 1)
	}
}

func (r *Router) notify(n push.Notification) {
	if r.notifier != nil {
		r.notifier.Notify(n)
	}
}
