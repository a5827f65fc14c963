// ABOUTME: In-memory fan-out broadcaster for agent lifecycle notifications.
// ABOUTME: Subscribers receive events for one scope or, with an empty scope, all of them.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allScopes is the subscription key for subscribers that want everything.
	allScopes = ""
)

// Kind identifies what happened to an agent.
type Kind string

const (
	// AgentOnline is published when a connection has both a name and a scope.
	AgentOnline Kind = "agent_online"
	// AgentOffline is published when the sweep removes a named connection.
	AgentOffline Kind = "agent_offline"
	// ProtocolError is published when an agent sends a frame that fails to decode.
	ProtocolError Kind = "protocol_error"
)

// Event is a notification about a single connection.
type Event struct {
	Kind         Kind      `json:"kind"`
	ConnectionID string    `json:"connection_id"`
	Name         string    `json:"name"`
	Scope        string    `json:"scope"`
	Detail       string    `json:"detail,omitempty"`
	Time         time.Time `json:"time"`
}

// Broadcaster provides in-memory pub/sub for Events. Publishing never blocks:
// subscribers whose buffers are full miss the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // scope -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events in scope, or for every scope when scope is
// empty. The subscription is removed and its channel closed when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, scope string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[scope]; !ok {
		b.subscribers[scope] = make(map[string]chan Event)
	}
	b.subscribers[scope][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "scope", scope, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(scope, subID)
	}()

	return ch, subID
}

// Publish delivers ev to subscribers of its scope and to wildcard subscribers.
// A zero Time is filled in with the current time.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	var targets []chan Event
	for _, key := range scopeKeys(ev.Scope) {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; they never block.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"kind", ev.Kind,
				"connection_id", ev.ConnectionID)
		}
	}
	b.mu.RUnlock()
}

func scopeKeys(scope string) []string {
	if scope == allScopes {
		return []string{allScopes}
	}
	return []string{scope, allScopes}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(scope, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[scope]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, scope)
	}

	b.logger.Debug("subscriber removed", "scope", scope, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for scope, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, scope)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
