// Package event provides a small typed publish/subscribe primitive.
//
// A [Bus] delivers every published value to each subscriber synchronously and
// in publish order. Publishing is serialised, so two concurrent Publish calls
// never interleave their deliveries. Subscribers are removed by calling the
// function returned from Subscribe; removal is safe from inside a handler.
package event

import "sync"

// Handler receives published values. Handlers run on the publisher's goroutine
// and must not call Publish on the same Bus.
type Handler[T any] func(T)

// Bus is a typed, ordered event emitter. The zero value is ready to use.
type Bus[T any] struct {
	// publishMu serialises deliveries so subscribers see one total order.
	publishMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler[T]
	order    []uint64
}

// Subscribe registers h and returns a function that removes it. The returned
// function is idempotent.
func (b *Bus[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[uint64]Handler[T])
	}
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to every current subscriber in subscription order.
func (b *Bus[T]) Publish(v T) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	for _, h := range b.snapshot() {
		h(v)
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *Bus[T]) snapshot() []Handler[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := make([]Handler[T], 0, len(b.order))
	for _, id := range b.order {
		hs = append(hs, b.handlers[id])
	}
	return hs
}
