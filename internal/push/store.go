// Package push delivers session notifications to registered push
// subscriptions without ever blocking the relay.
package push

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// Keys are the client encryption keys of a browser push subscription.
type Keys struct {
	P256dh string `json:"p256dh,omitempty"`
	Auth   string `json:"auth,omitempty"`
}

// Subscription is a push endpoint registered by a client. The endpoint is
// its identity.
type Subscription struct {
	Endpoint       string    `json:"endpoint" gorm:"primaryKey"`
	ExpirationTime *int64    `json:"expirationTime,omitempty"`
	Keys           Keys      `json:"keys" gorm:"serializer:json"`
	CreatedAt      time.Time `json:"-"`
}

// Validate checks the subscription carries an endpoint.
func (s Subscription) Validate() error {
	if s.Endpoint == "" {
		return ErrInvalidSubscription
	}
	return nil
}

// Store persists subscriptions. Adding an existing endpoint replaces it.
type Store interface {
	Add(ctx context.Context, sub Subscription) error
	List(ctx context.Context) ([]Subscription, error)
	Remove(ctx context.Context, endpoint string) error
	Close() error
}

// MemoryStore keeps subscriptions in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	subs  map[string]Subscription
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Subscription)}
}

func (m *MemoryStore) Add(_ context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.Endpoint]; !ok {
		m.order = append(m.order, sub.Endpoint)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.order))
	for _, ep := range m.order {
		out = append(out, m.subs[ep])
	}
	return out, nil
}

func (m *MemoryStore) Remove(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[endpoint]; !ok {
		return nil
	}
	delete(m.subs, endpoint)
	for i, ep := range m.order {
		if ep == endpoint {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
