package memtransport

import (
	"context"
	"sync"

	"github.com/Eyevinn/moqsession/internal/fanout"
	"github.com/Eyevinn/moqsession/transport"
)

// memBroadcast is a single broadcast's local track table. The same value
// backs both the BroadcastProducer and BroadcastConsumer views: a
// publisher's BroadcastConsumer (handed across the wire via the Origin
// bridge in memtransport.go) and the publisher's own BroadcastProducer
// share it directly, so there is no cross-process serialization to model.
type memBroadcast struct {
	mu     sync.Mutex
	tracks map[string]*memTrack
	closed bool
}

func newMemBroadcast() *memBroadcast {
	return &memBroadcast{tracks: make(map[string]*memTrack)}
}

func (b *memBroadcast) trackFor(name string) *memTrack {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tracks[name]
	if !ok {
		t = newMemTrack()
		b.tracks[name] = t
	}
	return t
}

func (b *memBroadcast) CreateTrack(name string, priority uint8) (transport.TrackProducer, error) {
	t := b.trackFor(name)
	return &memTrackProducer{track: t, priority: priority}, nil
}

func (b *memBroadcast) Consumer() transport.BroadcastConsumer {
	return (*memBroadcastConsumer)(b)
}

func (b *memBroadcast) Close() error {
	b.mu.Lock()
	b.closed = true
	tracks := b.tracks
	b.mu.Unlock()
	for _, t := range tracks {
		t.bus.Close()
	}
	return nil
}

type memBroadcastConsumer memBroadcast

func (b *memBroadcastConsumer) Track(ctx context.Context, name string) (transport.TrackConsumer, error) {
	t := (*memBroadcast)(b).trackFor(name)
	ch, cancel := t.bus.Subscribe()
	return &memTrackConsumer{ch: ch, cancel: cancel}, nil
}

// memTrack is the fanout point for one track's groups: every
// NextGroup-calling consumer sees groups published after it subscribes.
type memTrack struct {
	bus *fanout.Bus[*memGroup]
}

func newMemTrack() *memTrack {
	return &memTrack{bus: fanout.New[*memGroup](fanout.DefaultCapacity)}
}

// memGroup is a finalized group: every frame written before Close,
// snapshotted at Close time. The in-memory double buffers a group fully
// before making it visible, since it exists to exercise moqsession's
// sequencing and resilience logic rather than to model wire-level
// streaming backpressure.
type memGroup struct {
	seq    uint64
	frames [][]byte
}

type memTrackProducer struct {
	track    *memTrack
	priority uint8
}

func (p *memTrackProducer) OpenGroup(seq uint64) (transport.GroupProducer, error) {
	return &memGroupProducer{track: p.track, seq: seq}, nil
}

func (p *memTrackProducer) Close() error { return nil }

type memGroupProducer struct {
	track  *memTrack
	seq    uint64
	frames [][]byte
	closed bool
}

func (g *memGroupProducer) Sequence() uint64 { return g.seq }

func (g *memGroupProducer) WriteFrame(data []byte) error {
	if g.closed {
		return transport.ErrClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	g.frames = append(g.frames, frame)
	return nil
}

func (g *memGroupProducer) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.track.bus.Publish(&memGroup{seq: g.seq, frames: g.frames})
	return nil
}

type memTrackConsumer struct {
	ch     <-chan *memGroup
	cancel func()
}

func (c *memTrackConsumer) NextGroup(ctx context.Context) (transport.GroupConsumer, error) {
	select {
	case g, ok := <-c.ch:
		if !ok {
			return nil, transport.ErrTrackEnded
		}
		return &memGroupConsumer{group: g}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memTrackConsumer) Close() error {
	c.cancel()
	return nil
}

type memGroupConsumer struct {
	group *memGroup
	next  int
}

func (c *memGroupConsumer) Sequence() uint64 { return c.group.seq }

func (c *memGroupConsumer) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.next >= len(c.group.frames) {
		return nil, transport.ErrGroupEnded
	}
	f := c.group.frames[c.next]
	c.next++
	return f, nil
}
