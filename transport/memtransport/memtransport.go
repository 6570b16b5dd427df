// Package memtransport is a single-process, channel-based implementation
// of every interface in the transport package. It performs no network
// I/O and is the "in-memory transport double" spec.md §8 Scenario A calls
// for: a publisher Session and a subscriber Session can be wired to the
// same Network and exercise the full moqsession stack in a single test
// binary.
package memtransport

import (
	"context"
	"sync"

	"github.com/Eyevinn/moqsession/transport"
)

// Network is a shared rendezvous point standing in for a MoQ relay: it
// hands out transports that are connected to one another and, crucially,
// a single set of Origins per connected pair so a publisher's
// announcements reach a subscriber dialing the same URL.
type Network struct {
	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	publisherOrigin  *transport.Origin // publisher's announcements are written here; subscriber reads them from here
	subscriberOrigin *transport.Origin // allocated per URL; no handshake path reads or writes it
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*peer)}
}

func (n *Network) peerFor(url string) *peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[url]
	if !ok {
		p = &peer{
			publisherOrigin:  transport.NewOrigin(),
			subscriberOrigin: transport.NewOrigin(),
		}
		n.peers[url] = p
	}
	return p
}

// Client returns a transport.Client that dials into this Network.
func (n *Network) Client() transport.Client {
	return (*client)(n)
}

type client Network

func (c *client) Connect(ctx context.Context, url string, bind transport.BindPolicy) (transport.Transport, error) {
	n := (*Network)(c)
	p := n.peerFor(url)
	return &memTransport{peer: p, closed: make(chan struct{})}, nil
}

// memTransport is a live "connection": the handshake reads the role and
// wires the caller's origin halves directly to the shared peer origins so
// that whichever side calls Publish/Consume on the peer's origin observes
// the other's announcements.
type memTransport struct {
	peer   *peer
	once   sync.Once
	closed chan struct{}
}

func (t *memTransport) Closed() <-chan struct{} { return t.closed }

func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// NewBroadcast allocates a fresh, standalone broadcast. It does not touch
// the shared Network/peer state: the resulting BroadcastConsumer crosses
// to the other side purely by being handed, as a value, through the
// Origin bridge set up in Handshake below — there is nothing to look up
// by path on the receiving end.
func (t *memTransport) NewBroadcast(path string) (transport.BroadcastProducer, error) {
	return newMemBroadcast(), nil
}

// Handshaker adapts Handshake to transport.Handshaker.
func Handshaker() transport.Handshaker {
	return transport.HandshakerFunc(Handshake)
}

// Handshake implements transport.Handshaker for the in-memory double: it
// relays a publisher's out half into the Network's shared per-URL origin,
// and that origin's events into a subscriber's in half, so a publisher and
// subscriber dialing the same URL see each other's announcements without
// a real wire encoding.
func Handshake(ctx context.Context, tr transport.Transport, role transport.Role, in transport.OriginProducer, out transport.OriginConsumer) (transport.WireSession, error) {
	mt, ok := tr.(*memTransport)
	if !ok {
		return nil, transport.ErrClosed
	}

	// ctx only bounds this Handshake call, not the connection it sets up;
	// the bridging goroutines below must keep relaying announcements for
	// as long as the transport stays open, so they get a context tied to
	// that instead of the short-lived handshake ctx.
	bgCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-mt.Closed()
		cancel()
	}()

	switch role {
	case transport.RolePublisher:
		// out is this side's OriginConsumer of local broadcasts; bridge
		// every publish/unpublish on it into the shared publisher origin
		// so a subscriber dialing the same URL observes it.
		go bridgeConsumerToProducer(bgCtx, out, mustProducer(mt.peer.publisherOrigin))
	case transport.RoleSubscriber:
		// in is this side's OriginProducer that remote announcements get
		// pushed into; bridge the shared publisher origin's events into it.
		go bridgeConsumerToProducer(bgCtx, mustConsumer(mt.peer.publisherOrigin), in)
	}

	return &wireSession{tr: mt}, nil
}

func mustProducer(o *transport.Origin) transport.OriginProducer {
	p, _ := o.Produce()
	return p
}

func mustConsumer(o *transport.Origin) transport.OriginConsumer {
	_, c := o.Produce()
	return c
}

// bridgeConsumerToProducer relays every announcement event from src to
// dst until ctx is done or src is closed.
func bridgeConsumerToProducer(ctx context.Context, src transport.OriginConsumer, dst transport.OriginProducer) {
	for {
		path, bc, ok, err := src.Next(ctx)
		if err != nil {
			return
		}
		if ok {
			_ = dst.Publish(path, bc)
		} else {
			_ = dst.Unpublish(path)
		}
	}
}

type wireSession struct {
	tr *memTransport
}

func (s *wireSession) Closed() <-chan struct{} { return s.tr.Closed() }
func (s *wireSession) Close() error            { return s.tr.Close() }
