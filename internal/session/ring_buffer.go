package session

import (
	"sync"

	"remote-clauding/internal/protocol"
)

// RingBuffer is a fixed-capacity circular buffer of output events. Once
// full, each write evicts the oldest entry.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []protocol.OutputEvent
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]protocol.OutputEvent, capacity),
		capacity: capacity,
	}
}

// Write adds an event to the ring buffer.
func (rb *RingBuffer) Write(event protocol.OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of events currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// Last returns the most recently written event.
func (rb *RingBuffer) Last() (protocol.OutputEvent, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if !rb.full && rb.pos == 0 {
		return protocol.OutputEvent{}, false
	}
	return rb.buf[(rb.pos-1+rb.capacity)%rb.capacity], true
}

// ReadAll returns all events in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []protocol.OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]protocol.OutputEvent, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]protocol.OutputEvent, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}

// ReadSince returns, in order, the events whose timestamp is strictly
// greater than since.
func (rb *RingBuffer) ReadSince(since int64) []protocol.OutputEvent {
	result := []protocol.OutputEvent{}
	for _, e := range rb.ReadAll() {
		if e.Timestamp > since {
			result = append(result, e)
		}
	}
	return result
}
