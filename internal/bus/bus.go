// Package bus is a small in-process publish/subscribe bus. UI layers and
// feature code subscribe to topics; the realtime dispatcher publishes decoded
// channel events into it. Injected as an interface so tests can substitute
// their own.
package bus

import "sync"

// Handler receives a published payload. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(payload any)

// Bus is the subscription surface consumers depend on.
type Bus interface {
	Subscribe(topic string, fn Handler) (unsubscribe func())
	Publish(topic string, payload any)
}

type subscription struct {
	id int
	fn Handler
}

// Memory is the default Bus backed by an in-memory map.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

func New() *Memory {
	return &Memory{subs: make(map[string][]subscription)}
}

func (b *Memory) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *Memory) Publish(topic string, payload any) {
	b.mu.RLock()
	list := b.subs[topic]
	// Copy so a handler unsubscribing mid-publish cannot corrupt iteration.
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.fn
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
