package session

import (
	"time"

	"remote-clauding/internal/protocol"
)

// Conn is a live connection a session refers to, either as its owning
// agent or as a subscribed client. Send must not block.
type Conn interface {
	ID() string
	Send(data []byte) bool
}

// Session is the relay-side record of one shared agent session.
type Session struct {
	ID          string
	ProjectName string
	ProjectPath string
	// Token is the pairing secret a client may present instead of a bearer
	// token to reach this session only.
	Token        string
	Status       protocol.Status
	CreatedAt    time.Time
	LastActivity time.Time

	owner       Conn
	subscribers []Conn
	history     *RingBuffer
}

// Owner returns the agent connection currently feeding the session.
func (s *Session) Owner() Conn { return s.owner }

// SetOwner binds the session to an agent connection; nil detaches it.
func (s *Session) SetOwner(c Conn) { s.owner = c }

// Subscribe adds c to the subscriber set. It is a no-op when c is already
// subscribed.
func (s *Session) Subscribe(c Conn) {
	for _, sub := range s.subscribers {
		if sub.ID() == c.ID() {
			return
		}
	}
	s.subscribers = append(s.subscribers, c)
}

// Unsubscribe removes c from the subscriber set.
func (s *Session) Unsubscribe(c Conn) {
	for i, sub := range s.subscribers {
		if sub.ID() == c.ID() {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Subscribers returns the subscribed connections in join order.
func (s *Session) Subscribers() []Conn {
	out := make([]Conn, len(s.subscribers))
	copy(out, s.subscribers)
	return out
}

// Broadcast enqueues data for every subscriber and returns how many
// connections refused it.
func (s *Session) Broadcast(data []byte) (dropped int) {
	for _, sub := range s.subscribers {
		if !sub.Send(data) {
			dropped++
		}
	}
	return dropped
}

// MessageCount returns the number of events retained in history.
func (s *Session) MessageCount() int { return s.history.Len() }

// Summary builds the list entry advertised to clients.
func (s *Session) Summary() protocol.SessionSummary {
	sum := protocol.SessionSummary{
		ID:           s.ID,
		ProjectName:  s.ProjectName,
		Status:       s.Status,
		MessageCount: s.history.Len(),
		LastActivity: s.LastActivity.UnixMilli(),
	}
	if last, ok := s.history.Last(); ok {
		sum.LastMessage = protocol.Truncate(last.Preview(), previewLimit)
	}
	return sum
}

// clock hands out strictly increasing millisecond timestamps.
type clock struct {
	now  func() time.Time
	last int64
}

func (c *clock) stamp() int64 {
	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

func (c *clock) observe(ts int64) {
	if ts > c.last {
		c.last = ts
	}
}
