package agent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/engine"
	"remote-clauding/internal/protocol"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionInfo describes a shared session to local callers. The pairing
// token lets a phone open just this session.
type SessionInfo struct {
	ID           string          `json:"id"`
	ProjectName  string          `json:"projectName"`
	ProjectPath  string          `json:"projectPath"`
	SessionToken string          `json:"sessionToken"`
	Status       protocol.Status `json:"status"`
}

type sessionsUpdated struct {
	Type     protocol.MessageType `json:"type"`
	Sessions []SessionInfo        `json:"sessions"`
}

type shared struct {
	info   SessionInfo
	bridge *Bridge
	relay  *RelayClient
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	// RelayURL is the relay base URL. Empty keeps sessions local.
	RelayURL string
	Token    string
	Engine   engine.Engine
}

// Manager owns the sessions shared from this host.
type Manager struct {
	opts   Options
	ctx    context.Context
	mirror *Mirror

	mu       sync.RWMutex
	sessions map[string]*shared
	order    []string
}

// NewManager creates a manager. Sessions stop when ctx is cancelled.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.Engine == nil {
		opts.Engine = &engine.CLI{}
	}
	m := &Manager{
		opts:     opts,
		ctx:      ctx,
		sessions: make(map[string]*shared),
	}
	m.mirror = NewMirror(m.sessionsMessage, m.handleMirror)
	return m
}

// Mirror returns the local event socket.
func (m *Manager) Mirror() *Mirror { return m.mirror }

// Share starts sharing the project at path. Sharing a path that is already
// shared returns the existing session and true.
func (m *Manager) Share(path, name string) (SessionInfo, bool, error) {
	if name == "" {
		name = filepath.Base(path)
	}

	m.mu.Lock()
	for _, id := range m.order {
		if s := m.sessions[id]; s.info.ProjectPath == path {
			info := s.info
			m.mu.Unlock()
			return info, true, nil
		}
	}

	token, err := pairingToken()
	if err != nil {
		m.mu.Unlock()
		return SessionInfo{}, false, err
	}
	s := &shared{info: SessionInfo{
		ID:           uuid.NewString(),
		ProjectName:  name,
		ProjectPath:  path,
		SessionToken: token,
		Status:       protocol.StatusIdle,
	}}
	id := s.info.ID

	if m.opts.RelayURL != "" {
		endpoint, err := AgentURL(m.opts.RelayURL, m.opts.Token, id)
		if err != nil {
			m.mu.Unlock()
			return SessionInfo{}, false, err
		}
		reg := protocol.NewSessionRegister(id, name, path, token)
		s.relay = NewRelayClient(endpoint, reg, func(env *protocol.Envelope) {
			if env.Type == protocol.TypeUserMessage {
				m.HandleUserMessage(env.SessionID, env.Content, false)
			}
		})
	}
	s.bridge = NewBridge(id, path, m.opts.Engine, m)

	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	m.sessions[id] = s
	m.order = append(m.order, id)
	info := s.info
	m.mu.Unlock()

	s.done.Add(1)
	go func() {
		defer s.done.Done()
		s.bridge.Run(ctx)
	}()
	if s.relay != nil {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.relay.Run(ctx)
		}()
	}

	log.Info().Str("session", id).Str("project", name).Str("path", path).Msg("session shared")
	m.mirror.Broadcast(m.sessionsMessage())
	return info, false, nil
}

// Remove stops sharing a session, aborting any running turn.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		for i, sid := range m.order {
			if sid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.bridge.Abort()
	s.cancel()
	s.done.Wait()
	log.Info().Str("session", id).Msg("session removed")
	m.mirror.Broadcast(m.sessionsMessage())
	return true
}

// Close removes every session.
func (m *Manager) Close() {
	for _, info := range m.List() {
		m.Remove(info.ID)
	}
}

// List returns shared sessions in the order they were shared.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].info)
	}
	return out
}

// Get returns one session.
func (m *Manager) Get(id string) (SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info, true
}

// HandleUserMessage delivers user input to a session. Input typed locally
// is also forwarded to the relay so remote viewers see it; input from the
// relay was already recorded there and is only mirrored.
func (m *Manager) HandleUserMessage(id, content string, local bool) error {
	s, ok := m.lookup(id)
	if !ok {
		log.Warn().Str("session", id).Msg("user message for unknown session")
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	log.Info().Str("session", id).Bool("local", local).Str("content", protocol.Truncate(content, 100)).Msg("user message")

	frame := protocol.NewClaudeOutput(id, protocol.UserMessage(content))
	if local && s.relay != nil {
		s.relay.Send(frame)
	}
	m.mirror.Broadcast(frame)

	if err := s.bridge.Send(content); err != nil {
		m.Output(id, protocol.Error("Error: "+err.Error()))
		return err
	}
	return nil
}

// Abort stops the running turn of a session.
func (m *Manager) Abort(id string) bool {
	s, ok := m.lookup(id)
	if !ok {
		return false
	}
	s.bridge.Abort()
	return true
}

func (m *Manager) lookup(id string) (*shared, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) sessionsMessage() any {
	return sessionsUpdated{Type: protocol.TypeSessionsUpdated, Sessions: m.List()}
}

func (m *Manager) handleMirror(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeUserMessage:
		m.HandleUserMessage(env.SessionID, env.Content, true)
	case protocol.TypeStopMessage:
		m.Abort(env.SessionID)
	}
}

func (m *Manager) setStatus(id string, status protocol.Status) (*shared, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.info.Status = status
	}
	return s, ok
}

// Output implements Sink.
func (m *Manager) Output(id string, ev protocol.OutputEvent) {
	s, ok := m.lookup(id)
	if !ok {
		return
	}
	frame := protocol.NewClaudeOutput(id, ev)
	if s.relay != nil {
		s.relay.Send(frame)
	}
	m.mirror.Broadcast(frame)
}

// Status implements Sink.
func (m *Manager) Status(id string, status protocol.Status) {
	s, ok := m.setStatus(id, status)
	if !ok {
		return
	}
	frame := protocol.NewSessionStatus(id, status)
	if s.relay != nil {
		s.relay.Send(frame)
	}
	m.mirror.Broadcast(frame)
}

// InputRequired implements Sink.
func (m *Manager) InputRequired(id, prompt string) {
	s, ok := m.setStatus(id, protocol.StatusInputRequired)
	if !ok {
		return
	}
	frame := protocol.NewInputRequired(id, prompt)
	if s.relay != nil {
		s.relay.Send(frame)
	}
	m.mirror.Broadcast(frame)
}

func pairingToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pairing token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
