// Package transport defines the narrow boundary moqsession uses to talk to
// the low-level MoQ session: QUIC/WebTransport connection setup, the MoQ
// wire handshake, and the producer/consumer pairs for broadcasts, tracks
// and groups. Everything in this package is an interface or a small value
// type; the wire protocol itself lives outside this module (see
// transport/moqwire for a production adapter over mengelbart/moqtransport,
// and transport/memtransport for an in-memory double used in tests).
package transport

import (
	"context"
	"errors"
)

// Role fixes whether a Session acts as a publisher or subscriber for the
// lifetime of one handshake.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// BindPolicy controls which IP family the client binds to when dialing.
type BindPolicy int

const (
	// BindIPv4 is the default: some platforms have unreliable dual-stack
	// binding for QUIC/UDP sockets.
	BindIPv4 BindPolicy = iota
	BindDualStack
)

// ErrClosed is returned by operations performed after the owning
// Transport/WireSession/producer or consumer has been closed.
var ErrClosed = errors.New("transport: closed")

// ErrGroupEnded is returned by GroupConsumer.ReadFrame once every frame in
// the group has been delivered.
var ErrGroupEnded = errors.New("transport: group ended")

// ErrTrackEnded is returned by TrackConsumer.NextGroup once no further
// groups will arrive on the subscription. moqwire also returns it,
// wrapping the cause, when a read fails for another reason such as a
// disconnect.
var ErrTrackEnded = errors.New("transport: track ended")

// ErrBroadcastNotAnnounced is returned by OriginConsumer.Consume when no
// broadcast is currently announced under the requested path.
var ErrBroadcastNotAnnounced = errors.New("transport: broadcast not announced")

// Announcement is one (path, online) event derived from an OriginConsumer's
// event stream, republished on a session's internal announcement fanout
// for every collaborator (Resilient Track Consumers, Broadcast Subscription
// Managers) that needs to react to a fresh epoch. Online is false for an
// unannounce.
type Announcement struct {
	Path   string
	Online bool
}

// Client dials a transport URL and returns a live Transport.
type Client interface {
	Connect(ctx context.Context, url string, bind BindPolicy) (Transport, error)
}

// Transport is the raw QUIC/WebTransport connection, prior to the MoQ
// handshake.
type Transport interface {
	// Closed is closed when the transport connection is torn down, by
	// either side.
	Closed() <-chan struct{}
	Close() error
	// NewBroadcast allocates local state for a broadcast this side will
	// publish under path. Per spec.md §4.5, a publisher must be able to
	// materialize its track producers and pre-publish the resulting
	// BroadcastConsumer into its Origin before Handshake runs, so this
	// must not require the MoQ handshake to have completed yet.
	NewBroadcast(path string) (BroadcastProducer, error)
}

// WireSession is the live MoQ session produced by Handshake.
type WireSession interface {
	Closed() <-chan struct{}
	Close() error
}

// Handshake performs the MoQ setup exchange over tr and binds the given
// origin halves to the session: a publisher hands in (role=RolePublisher)
// the consumer half of its Origin (so the peer can discover what this side
// publishes) via out; a subscriber hands in the producer half via in (so
// the session can push remote announcements into it) and keeps the
// consumer half for itself to read announcements from and to call Consume
// on.
type Handshaker interface {
	Handshake(ctx context.Context, tr Transport, role Role, in OriginProducer, out OriginConsumer) (WireSession, error)
}

// HandshakerFunc adapts a plain function to a Handshaker.
type HandshakerFunc func(ctx context.Context, tr Transport, role Role, in OriginProducer, out OriginConsumer) (WireSession, error)

func (f HandshakerFunc) Handshake(ctx context.Context, tr Transport, role Role, in OriginProducer, out OriginConsumer) (WireSession, error) {
	return f(ctx, tr, role, in, out)
}

// Origin is a local announcement table: a producer half that entries are
// published into, and a consumer half that reads them back out, either as
// a live event stream or by name. Producing into an Origin and reading
// announcements out of a (possibly different) Origin is how broadcasts
// cross the session boundary in both directions.
type Origin struct {
	bus *originBus
}

// NewOrigin allocates a fresh, empty Origin.
func NewOrigin() *Origin {
	return &Origin{bus: newOriginBus()}
}

// Produce returns the producer and consumer halves of the Origin. Each
// half may be handed to a different collaborator (see Handshaker).
func (o *Origin) Produce() (OriginProducer, OriginConsumer) {
	return o.bus, o.bus
}

// OriginProducer is the write side of an Origin: broadcasts are announced
// (or withdrawn) under a path.
type OriginProducer interface {
	Publish(path string, bc BroadcastConsumer) error
	Unpublish(path string) error
}

// OriginConsumer is the read side of an Origin: a stream of (path,
// consumer-or-nil) announcement events, plus on-demand lookup by name.
// ok is false and bc is nil for an "unannounce" event. Consume must be
// called at most once per path per session lifetime by the caller — the
// underlying MoQ transport treats repeated consume calls for the same
// broadcast as wasteful or outright disallowed; OriginConsumer
// implementations themselves do not deduplicate.
type OriginConsumer interface {
	Next(ctx context.Context) (path string, bc BroadcastConsumer, ok bool, err error)
	Consume(ctx context.Context, path string) (BroadcastConsumer, error)
}

// BroadcastProducer is the local, owning side of one published broadcast.
type BroadcastProducer interface {
	CreateTrack(name string, priority uint8) (TrackProducer, error)
	// Consumer returns the read-side view of this broadcast, suitable for
	// publishing into an Origin so remote peers can subscribe to it.
	Consumer() BroadcastConsumer
	Close() error
}

// BroadcastConsumer is a handle to a (possibly remote) broadcast, used to
// open track subscriptions against it.
type BroadcastConsumer interface {
	Track(ctx context.Context, name string) (TrackConsumer, error)
}

// TrackProducer is the write side of one track: it opens ordered groups.
type TrackProducer interface {
	OpenGroup(seq uint64) (GroupProducer, error)
	Close() error
}

// GroupProducer is an open, ordered sequence of frames being written to a
// track. At most one GroupProducer per track may be open at a time.
type GroupProducer interface {
	Sequence() uint64
	WriteFrame(data []byte) error
	Close() error
}

// TrackConsumer is the read side of one track subscription: a sequence of
// groups, each joinable independently.
type TrackConsumer interface {
	// NextGroup blocks until the next group is available, the track ends
	// (ErrTrackEnded), or ctx is done.
	NextGroup(ctx context.Context) (GroupConsumer, error)
	Close() error
}

// GroupConsumer reads the ordered frames of one group.
type GroupConsumer interface {
	Sequence() uint64
	// ReadFrame returns ErrGroupEnded once every frame has been read.
	ReadFrame(ctx context.Context) ([]byte, error)
}
