package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
)

// MemoryBroker is an in-process bus shared by any number of clients. Each
// client stands in for one server process, which makes multi-process fanout
// testable without Redis or Kafka.
type MemoryBroker struct {
	mu      sync.RWMutex
	clients map[*MemoryPubSub]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{clients: make(map[*MemoryPubSub]struct{})}
}

// Client returns a new PubSub attached to the broker.
func (b *MemoryBroker) Client() *MemoryPubSub {
	c := &MemoryPubSub{
		broker: b,
		subs:   make(map[string]*memorySubscription),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *MemoryBroker) publish(channel string, data []byte) {
	b.mu.RLock()
	clients := make([]*MemoryPubSub, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		c.deliver(channel, data)
	}
}

func (b *MemoryBroker) detach(c *MemoryPubSub) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	done    chan struct{}
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, err := path.Match(s.key, channel)
	return err == nil && ok
}

// MemoryPubSub implements PubSub on a MemoryBroker.
type MemoryPubSub struct {
	broker *MemoryBroker
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
}

// Publish encodes the event like a network driver would and hands it to every
// matching subscription on the broker.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fmt.Errorf("pubsub closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	m.broker.publish(channel, data)
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("pubsub closed")
	}
	if existing, ok := m.subs[key]; ok {
		m.closeSubLocked(existing)
	}

	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, eventBufferSize),
		done:    make(chan struct{}),
	}
	m.subs[key] = sub

	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if cur, ok := m.subs[key]; ok && cur == sub {
				m.closeSubLocked(sub)
			}
			m.mu.Unlock()
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

func (m *MemoryPubSub) deliver(channel string, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		select {
		case sub.ch <- &event:
		default:
			// Slow consumer; same drop policy as the network drivers.
		}
	}
}

func (m *MemoryPubSub) closeSubLocked(sub *memorySubscription) {
	delete(m.subs, sub.key)
	close(sub.done)
	close(sub.ch)
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[channel]; ok {
		m.closeSubLocked(sub)
	}
	return nil
}

// Close ends every subscription and detaches from the broker.
func (m *MemoryPubSub) Close() error {
	m.broker.detach(m)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, sub := range m.subs {
		m.closeSubLocked(sub)
	}
	return nil
}
