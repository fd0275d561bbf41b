// Package events provides the notification bus the session registry
// uses to announce token changes to whatever owns UI state.
//
// The bus is an explicitly constructed, injected value with scoped
// subscriptions; nothing here touches process-global state.
package events

import (
	"sync"

	"mcpdock/internal/config"
)

// Type identifies the kind of event on the bus.
type Type string

const (
	// TypeTokenUpdated is published when a server acquires or refreshes
	// a token.
	TypeTokenUpdated Type = "token_updated"

	// TypeTokenRemoved is published when a server's token is cleared
	// (sign-out, removal, or expiry observed at load).
	TypeTokenRemoved Type = "token_removed"

	// TypeStatusChanged is published on server status transitions.
	TypeStatusChanged Type = "status_changed"
)

// TokenRecord mirrors the cached token payload carried on token-updated
// events. Identity fields are derived claims, safe to show in a UI; the
// tokens themselves are included so the owner of UI state can hand them
// to the protocol client without a second lookup.
type TokenRecord struct {
	IDToken     string `json:"idToken"`
	AccessToken string `json:"accessToken,omitempty"`
	ExpiresAt   int64  `json:"expiresAt"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Subject     string `json:"subject,omitempty"`
}

// Event is a single notification.
type Event struct {
	Type     Type
	ServerID string

	// Record is set on TypeTokenUpdated.
	Record *TokenRecord

	// OldStatus and NewStatus are set on TypeStatusChanged.
	OldStatus config.Status
	NewStatus config.Status
}

const subscriberBufferSize = 16

// Bus is a process-local publish/subscribe channel. Publish never
// blocks: a subscriber that has fallen subscriberBufferSize events
// behind misses events rather than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel function removes
// the subscription and closes the channel; it is safe to call more than
// once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBufferSize)

	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers without
// blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// Close tears down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
