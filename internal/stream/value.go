// Package stream provides a hot, replay-latest value that any number of
// subscribers can observe without affecting the producer.
package stream

import (
	"context"
	"sync"
)

// Observable is the read-only side of a Value.
type Observable[T any] interface {
	// Get returns the current value.
	Get() T
	// Subscribe returns a channel that receives the current value
	// immediately and every later value. The channel is closed when ctx is
	// done or the Value is closed.
	Subscribe(ctx context.Context) <-chan T
}

// Value holds the latest value of type T and broadcasts changes.
// A subscriber that falls behind only ever sees the newest pending value.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[chan T]struct{}
	closed bool
	done   chan struct{}
}

// Compile-time check that Value implements Observable.
var _ Observable[int] = (*Value[int])(nil)

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[chan T]struct{}),
		done: make(chan struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and pushes it to every subscriber. Set never blocks.
// Calls after Close are ignored.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.cur = x
	for ch := range v.subs {
		offer(ch, x)
	}
}

// Update replaces the current value with fn(current) atomically.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.cur = fn(v.cur)
	for ch := range v.subs {
		offer(ch, v.cur)
	}
}

func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	if v.closed {
		ch <- v.cur
		close(ch)
		v.mu.Unlock()
		return ch
	}
	ch <- v.cur
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-v.done:
			return
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, ok := v.subs[ch]; ok {
			delete(v.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Subscribers returns the number of live subscriptions.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// Close closes every subscriber channel. The last value stays readable
// through Get. Idempotent.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.done)
	for ch := range v.subs {
		delete(v.subs, ch)
		close(ch)
	}
}

// offer replaces any pending value in ch with x. Only the holder of v.mu
// sends on ch, so after draining the send cannot block.
func offer[T any](ch chan T, x T) {
	select {
	case <-ch:
	default:
	}
	ch <- x
}
