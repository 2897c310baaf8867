package agent

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/protocol"
)

const (
	mirrorSendBuffer = 256
	mirrorWriteWait  = 10 * time.Second
	mirrorPing       = 30 * time.Second
)

var mirrorUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Loopback only; editor webviews send arbitrary origins.
	},
}

type mirrorClient struct {
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *mirrorClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *mirrorClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Mirror is the local event socket editors connect to. It repeats every
// session event and accepts user input for any session.
type Mirror struct {
	hello  func() any
	handle func(*protocol.Envelope)

	mu      sync.RWMutex
	clients map[*mirrorClient]struct{}
}

// NewMirror creates a mirror. hello builds the first frame of every new
// connection; handle receives decoded client frames.
func NewMirror(hello func() any, handle func(*protocol.Envelope)) *Mirror {
	return &Mirror{
		hello:   hello,
		handle:  handle,
		clients: make(map[*mirrorClient]struct{}),
	}
}

// Len returns the number of connected listeners.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Broadcast sends v to every listener. Slow listeners miss frames.
func (m *Mirror) Broadcast(v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		log.Warn().Err(err).Msg("encode mirror frame")
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.clients {
		if !c.enqueue(data) {
			log.Debug().Msg("mirror listener full, dropping frame")
		}
	}
}

func (m *Mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := mirrorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("mirror upgrade error")
		return
	}

	c := &mirrorClient{send: make(chan []byte, mirrorSendBuffer)}
	if m.hello != nil {
		if data, err := protocol.Encode(m.hello()); err == nil {
			c.enqueue(data)
		}
	}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	log.Info().Str("remote", r.RemoteAddr).Msg("local listener connected")

	go m.writePump(ws, c)
	m.readPump(ws, c)
}

func (m *Mirror) readPump(ws *websocket.Conn, c *mirrorClient) {
	defer func() {
		m.mu.Lock()
		delete(m.clients, c)
		m.mu.Unlock()
		c.close()
		ws.Close()
		log.Info().Msg("local listener disconnected")
	}()

	ws.SetReadLimit(relayMaxReadSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeMirrorMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropping mirror frame")
			continue
		}
		if m.handle != nil {
			m.handle(env)
		}
	}
}

func (m *Mirror) writePump(ws *websocket.Conn, c *mirrorClient) {
	ticker := time.NewTicker(mirrorPing)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(mirrorWriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(mirrorWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
