package transport

import (
	"context"
	"sync"

	"github.com/Eyevinn/moqsession/internal/eventqueue"
)

// originBus is the shared implementation behind Origin's producer and
// consumer halves: a mutex-guarded table of current announcements plus an
// unbounded, single-consumer queue of announcement events for
// OriginConsumer.Next.
//
// Next is always backed by eventqueue.Queue rather than a live fanout of
// "currently waiting" readers: Session.connectOnce pre-publishes the local
// broadcast into the producer half before handing the consumer half to
// Handshake's announcement-bridging goroutine, so that goroutine's first
// Next call must still observe events published before it started
// listening. A queue that only notifies readers already blocked in Next
// would silently drop exactly that first announcement; eventqueue instead
// retains every event until its one intended reader drains it.
type originBus struct {
	mu      sync.Mutex
	entries map[string]BroadcastConsumer
	events  *eventqueue.Queue[originEvent]
	closed  bool
}

type originEvent struct {
	path string
	bc   BroadcastConsumer
	ok   bool
}

func newOriginBus() *originBus {
	return &originBus{
		entries: make(map[string]BroadcastConsumer),
		events:  eventqueue.New[originEvent](),
	}
}

func (b *originBus) Publish(path string, bc BroadcastConsumer) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.entries[path] = bc
	b.mu.Unlock()

	b.events.Push(originEvent{path: path, bc: bc, ok: true})
	return nil
}

func (b *originBus) Unpublish(path string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	delete(b.entries, path)
	b.mu.Unlock()

	b.events.Push(originEvent{path: path, ok: false})
	return nil
}

func (b *originBus) Next(ctx context.Context) (string, BroadcastConsumer, bool, error) {
	ev, err := b.events.Pop(ctx)
	if err != nil {
		if err == eventqueue.ErrClosed {
			return "", nil, false, ErrClosed
		}
		return "", nil, false, err
	}
	return ev.path, ev.bc, ev.ok, nil
}

func (b *originBus) Consume(ctx context.Context, path string) (BroadcastConsumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	bc, ok := b.entries[path]
	if !ok {
		return nil, ErrBroadcastNotAnnounced
	}
	return bc, nil
}

func (b *originBus) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.events.Close()
}
