package events

import (
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// Handler receives published events.
type Handler func(Event)

// Bus is a synchronous publish/subscribe hub. Publish calls every handler
// in subscription order on the publisher's goroutine, so a single publisher
// observes its own events delivered in order. Handler panics are contained;
// one broken subscriber never takes down the publisher or its peers.
//
// Publishers must not hold locks that a handler could want, and should pass
// events by pointer so the bus can stamp missing timestamps.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Subscription unregisters its handler when closed.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return &Subscription{bus: b, id: id}
}

// Close removes the subscription; safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	})
}

type stampable interface {
	stamp(time.Time)
}

// Publish delivers e to every current subscriber, in subscription order.
func (b *Bus) Publish(e Event) {
	if s, ok := e.(stampable); ok {
		s.stamp(time.Now())
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub.fn, e)
	}
}

func deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("kind", string(e.EventKind())).
				Msg("event subscriber panicked")
		}
	}()
	fn(e)
}
