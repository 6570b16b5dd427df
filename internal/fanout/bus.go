// Package fanout implements a small bounded, multi-consumer broadcast
// primitive: every subscriber gets its own bounded channel, and a slow
// subscriber whose buffer is full misses the values published while it
// is full rather than being allowed to stall publishers. It is not told
// that it lagged, and its buffered backlog is kept. This is the pattern
// spec.md §5 calls for announcement and catalog-update fanout; no
// dependency in the example corpus offers a generic bounded
// multi-consumer broadcast with these semantics, so it is implemented
// directly here on channels and a mutex-guarded subscriber set.
package fanout

import "sync"

// DefaultCapacity is the minimum per-subscriber buffer spec.md §5
// requires for announcement and catalog-update fanout.
const DefaultCapacity = 16

// Bus fans a stream of values of type T out to any number of independent
// subscribers.
type Bus[T any] struct {
	mu     sync.Mutex
	cap    int
	subs   map[chan T]struct{}
	closed bool
}

// New creates a Bus with the given per-subscriber channel capacity. A
// capacity below DefaultCapacity is raised to it.
func New[T any](capacity int) *Bus[T] {
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Bus[T]{cap: capacity, subs: make(map[chan T]struct{})}
}

// Subscribe registers a new receiver. Call the returned cancel func to
// unsubscribe and release the channel.
func (b *Bus[T]) Subscribe() (ch <-chan T, cancel func()) {
	c := make(chan T, b.cap)
	b.mu.Lock()
	if !b.closed {
		b.subs[c] = struct{}{}
	} else {
		close(c)
	}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
		b.mu.Unlock()
	}
	return c, cancel
}

// Publish delivers v to every current subscriber. A subscriber whose
// buffer is full is skipped for this value — a lagged receiver simply
// misses events rather than blocking the publisher; callers that need to
// notice lag should treat any gap in an otherwise-monotonic stream (e.g.
// a missed announcement) as a signal to resync rather than trust delivery
// counts.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for c := range b.subs {
		select {
		case c <- v:
		default:
			// lagged: drop for this subscriber, it must resync from state.
		}
	}
}

// Close unsubscribes and closes every current and future subscriber
// channel. Safe to call more than once.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for c := range b.subs {
		close(c)
	}
	b.subs = nil
}
