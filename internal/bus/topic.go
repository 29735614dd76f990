// Package bus re-publishes socket events as typed, process-local topics so
// any number of mutually unaware consumers can react to the same push
// without holding their own socket listener.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Topic is a typed publish/subscribe channel.
type Topic[T any] struct {
	name   string
	logger *zap.Logger

	mu   sync.RWMutex
	subs []subscriber[T]
	next uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

func NewTopic[T any](name string, logger *zap.Logger) *Topic[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topic[T]{
		name:   name,
		logger: logger,
	}
}

func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers fn and returns the function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber in subscription order and returns
// how many received it. A panicking subscriber is logged and skipped.
func (t *Topic[T]) Publish(v T) int {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if t.deliver(s.fn, v) {
			delivered++
		}
	}
	return delivered
}

func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) deliver(fn func(T), v T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Panic in bus subscriber",
				zap.String("topic", t.name),
				zap.Any("panic", r))
			ok = false
		}
	}()
	fn(v)
	return true
}
