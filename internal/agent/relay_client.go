package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/protocol"
)

const (
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
	relayWriteWait   = 10 * time.Second
	relayHandshake   = 10 * time.Second
	relayMaxReadSize = 4 << 20
)

// RelayClient keeps one agent connection to the relay for a session. It
// registers the session on every connect and reconnects with exponential
// backoff.
type RelayClient struct {
	url       string
	register  protocol.SessionRegister
	onMessage func(*protocol.Envelope)
	dialer    *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	mu sync.Mutex
	ws *websocket.Conn
}

// AgentURL builds the agent endpoint for base, which may be an http(s) or
// ws(s) URL with or without the /ws/agent path.
func AgentURL(base, token, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws/agent") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws/agent"
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewRelayClient creates a client for endpoint. onMessage receives every
// decoded relay frame from the read goroutine.
func NewRelayClient(endpoint string, register protocol.SessionRegister, onMessage func(*protocol.Envelope)) *RelayClient {
	return &RelayClient{
		url:        endpoint,
		register:   register,
		onMessage:  onMessage,
		dialer:     &websocket.Dialer{HandshakeTimeout: relayHandshake},
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Connected reports whether the relay connection is up.
func (c *RelayClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send writes v to the relay. It reports false and drops v while
// disconnected.
func (c *RelayClient) Send(v any) bool {
	data, err := protocol.Encode(v)
	if err != nil {
		log.Warn().Err(err).Msg("encode relay frame")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return false
	}
	c.ws.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("session", c.register.SessionID).Msg("relay write failed")
		c.ws.Close()
		return false
	}
	return true
}

// Run connects and keeps reconnecting until ctx is cancelled. The session
// is unregistered before the final close.
func (c *RelayClient) Run(ctx context.Context) {
	backoff := c.minBackoff
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Str("session", c.register.SessionID).Dur("retry_in", backoff).Msg("relay dial failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		backoff = c.minBackoff
		c.attach(ws)
		log.Info().Str("session", c.register.SessionID).Msg("connected to relay")
		c.Send(c.register)

		stop := context.AfterFunc(ctx, func() {
			c.Send(protocol.NewSessionUnregister(c.register.SessionID))
			c.mu.Lock()
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.mu.Unlock()
			ws.Close()
		})
		c.readLoop(ws)
		stop()
		c.detach(ws)

		if ctx.Err() != nil {
			return
		}
		log.Info().Str("session", c.register.SessionID).Dur("retry_in", backoff).Msg("disconnected from relay")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *RelayClient) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *RelayClient) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()
}

func (c *RelayClient) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(relayMaxReadSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeRelayMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropping relay frame")
			continue
		}
		if env.Type == protocol.TypeError {
			log.Warn().Str("session", c.register.SessionID).Str("error", env.Error).Msg("relay error")
			continue
		}
		if c.onMessage != nil {
			c.onMessage(env)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
