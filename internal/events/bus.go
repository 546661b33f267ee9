// Package events provides a typed publish/subscribe bus.
package events

import (
	"sync"
)

// Bus delivers every published value to the subscribers registered at the
// time of publishing, synchronously and in subscription order. Handlers must
// not block; hand work off to a goroutine or a queue instead.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	order  []uint64
	subs   map[uint64]func(T)
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a disposer. Calling the disposer more
// than once is safe.
func (b *Bus[T]) Subscribe(fn func(T)) (dispose func()) {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(v)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
