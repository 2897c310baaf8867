// Package relay is the public WebSocket relay: it authenticates agent and
// client connections and routes session events between them.
package relay

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/auth"
	"remote-clauding/internal/metrics"
	"remote-clauding/internal/protocol"
	"remote-clauding/internal/push"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Phones connect from the relay's own web app or native shells.
	},
}

// Options configures the Server.
type Options struct {
	Auth           auth.Validator
	StaticDir      string
	SendBuffer     int
	VAPIDPublicKey string
	Push           push.Store
	Metrics        *metrics.Metrics
	// MetricsPath defaults to /metrics.
	MetricsPath    string
}

// Server is the transport and auth gate in front of a Router.
type Server struct {
	router  *Router
	opts    Options
	started time.Time
}

// NewServer creates a gate for router.
func NewServer(router *Router, opts Options) *Server {
	return &Server{router: router, opts: opts, started: time.Now()}
}

// Router returns the underlying router.
func (s *Server) Router() *Router { return s.router }

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.opts.Metrics.Middleware)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/agent", s.handleAgentWS)
	r.Get("/ws/client", s.handleClientWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Get("/push/vapid-key", s.handleVAPIDKey)
		r.Post("/push/subscribe", s.handlePushSubscribe)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "Not found")
		})
	})

	if s.opts.Metrics != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.opts.Metrics.Handler())
	}
	r.NotFound(s.handleStatic)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the handshake credentials. A client without a
// valid bearer token may still be admitted to a single session by its
// pairing token; scope is that session id.
func (s *Server) authenticate(r *http.Request, role Role) (scope string, err error) {
	token := auth.FromRequest(r)
	if s.opts.Auth != nil && token != "" {
		if _, err := s.opts.Auth.Validate(token); err == nil {
			return "", nil
		}
	}
	if role == RoleClient {
		q := r.URL.Query()
		sessionID := q.Get("sessionId")
		if s.router.CheckPairing(sessionID, q.Get("sessionToken")) {
			return sessionID, nil
		}
	}
	return "", auth.ErrUnauthorized
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, RoleAgent)
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, RoleClient)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, role Role) {
	scope, err := s.authenticate(r, role)
	if err != nil {
		s.opts.Metrics.AuthFailed(string(role))
		log.Warn().Str("role", string(role)).Str("remote", r.RemoteAddr).Msg("rejected unauthenticated connection")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	c := NewConn(role, scope, s.opts.SendBuffer)
	c.hint = r.URL.Query().Get("sessionId")
	s.opts.Metrics.ConnOpened(string(role))
	log.Info().Str("conn", c.id).Str("role", string(role)).Str("scope", scope).Msg("connection accepted")

	if role == RoleClient {
		s.router.AddClient(c)
	}

	go s.writePump(ws, c)
	go s.readPump(ws, c)
}

// readPump reads frames until the connection fails, then detaches c.
func (s *Server) readPump(ws *websocket.Conn, c *Conn) {
	defer func() {
		if c.role == RoleAgent {
			s.router.RemoveAgent(c)
		} else {
			s.router.RemoveClient(c)
		}
		c.Close()
		ws.Close()
		s.opts.Metrics.ConnClosed(string(c.role))
		log.Info().Str("conn", c.id).Str("role", string(c.role)).Msg("connection closed")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("websocket read error")
			}
			return
		}
		if !s.dispatch(c, message) {
			return
		}
	}
}

// dispatch handles one frame. It reports false when the handler panicked
// and the connection must be dropped.
func (s *Server) dispatch(c *Conn, raw []byte) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("conn", c.id).Bytes("stack", debug.Stack()).Msg("message handler panicked")
			ok = false
		}
	}()
	if c.role == RoleAgent {
		s.handleAgentMessage(c, raw)
	} else {
		s.handleClientMessage(c, raw)
	}
	return true
}

func (s *Server) handleAgentMessage(c *Conn, raw []byte) {
	env, err := protocol.DecodeAgentMessage(raw)
	if err != nil {
		logDecodeError(c, err)
		return
	}
	s.opts.Metrics.MessageReceived(string(RoleAgent), string(env.Type))

	if env.SessionID == "" {
		env.SessionID = c.hint
	}
	if env.SessionID == "" {
		log.Debug().Str("conn", c.id).Str("type", string(env.Type)).Msg("agent message without session id")
		return
	}

	switch env.Type {
	case protocol.TypeSessionRegister:
		s.router.RegisterAgent(c, env)
	case protocol.TypeSessionUnregister:
		s.router.UnregisterAgent(c, env.SessionID)
	case protocol.TypeClaudeOutput:
		s.router.AgentOutput(c, env.SessionID, *env.Message)
	case protocol.TypeSessionStatus:
		s.router.AgentStatus(c, env.SessionID, env.Status)
	case protocol.TypeInputRequired:
		s.router.AgentInputRequired(c, env.SessionID, env.Prompt)
	}
}

func (s *Server) handleClientMessage(c *Conn, raw []byte) {
	env, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		logDecodeError(c, err)
		return
	}
	s.opts.Metrics.MessageReceived(string(RoleClient), string(env.Type))

	switch env.Type {
	case protocol.TypeSubscribeSession:
		s.router.Subscribe(c, env.SessionID, env.Since)
	case protocol.TypeUnsubscribeSession:
		s.router.Unsubscribe(c)
	case protocol.TypeUserMessage:
		s.router.UserMessage(c, env.SessionID, env.Content)
	}
}

func logDecodeError(c *Conn, err error) {
	ev := log.Debug()
	if !errors.Is(err, protocol.ErrUnknownType) {
		ev = log.Warn()
	}
	ev.Err(err).Str("conn", c.id).Str("role", string(c.role)).Msg("dropping message")
}

// writePump writes queued frames and keeps the connection alive with pings.
func (s *Server) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.Outbox():
			ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
