package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Role tells agent connections from client connections.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

const defaultSendBuffer = 256

// Conn is one accepted WebSocket connection as seen by the Router. Frames
// queued with Send are written by the connection's write pump.
type Conn struct {
	id    string
	role  Role
	scope string

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// sessionID is the owned session (agents) or the subscribed session
	// (clients). Guarded by Router.mu.
	sessionID string
	// hint is the sessionId handshake parameter.
	hint string
}

// NewConn creates a connection handle. A non-empty scope limits a client to
// that one session.
func NewConn(role Role, scope string, buffer int) *Conn {
	if buffer < 1 {
		buffer = defaultSendBuffer
	}
	return &Conn{
		id:    uuid.NewString(),
		role:  role,
		scope: scope,
		send:  make(chan []byte, buffer),
	}
}

func (c *Conn) ID() string    { return c.id }
func (c *Conn) Role() Role    { return c.role }
func (c *Conn) Scope() string { return c.scope }

// Outbox is the channel drained by the write pump.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Send enqueues data without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) Send(data []byte) bool {
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

// Close stops further sends and closes the outbox.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
