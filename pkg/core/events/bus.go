package events

import (
	"sync"
)

const defaultSubscriptionBuffer = 64

// Bus fans events out to typed subscriptions. Publish never blocks: a
// subscriber that stops draining its channel loses events rather than
// stalling the producer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]*Subscription)}
}

// Subscription is a registered interest in one or more event types.
type Subscription struct {
	bus   *Bus
	types []Type
	ch    chan Event
	once  sync.Once
}

// Subscribe registers interest in the given event types with the default
// channel buffer. At least one type is required.
func (b *Bus) Subscribe(kinds ...Type) *Subscription {
	return b.SubscribeBuffered(defaultSubscriptionBuffer, kinds...)
}

// SubscribeBuffered registers interest with an explicit channel buffer.
func (b *Bus) SubscribeBuffered(buffer int, kinds ...Type) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{
		bus:   b,
		types: append([]Type(nil), kinds...),
		ch:    make(chan Event, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	for _, kind := range kinds {
		b.subs[kind] = append(b.subs[kind], sub)
	}
	return sub
}

// Events yields the subscription's event stream. The channel is closed
// when the subscription is canceled or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Publish delivers the event to every subscription registered for its
// type. Delivery is best effort per subscriber.
//
// The sends happen under the read lock: Cancel and Close only close a
// channel after taking the write lock, so a channel can never be closed
// while a publisher still holds a reference to it.
func (b *Bus) Publish(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[event.EventType()] {
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the producer.
		}
	}
}

// Close shuts the bus down and closes all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[*Subscription]struct{})
	for _, subs := range b.subs {
		for _, sub := range subs {
			seen[sub] = struct{}{}
		}
	}
	b.subs = make(map[Type][]*Subscription)
	b.mu.Unlock()

	// Closing outside the lock so an in-flight Cancel cannot deadlock.
	for sub := range seen {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, kind := range s.types {
		subs := b.subs[kind]
		for i, candidate := range subs {
			if candidate == s {
				b.subs[kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}
