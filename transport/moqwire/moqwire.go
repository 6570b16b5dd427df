// Package moqwire is the production transport.Client / transport.Handshaker
// backing moqsession over an actual MoQ wire session, grounded in the
// dial/session/subscribe/publish call patterns of the teacher's
// cmd/mlmpub and cmd/mlmsub commands: quic-go for raw QUIC, quic-go's
// webtransport-go for the WebTransport variant, mengelbart/moqtransport for
// the MoQ session and subscribe/publish primitives, and mengelbart/qlog for
// QUIC-level tracing when a log sink is configured.
package moqwire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/mengelbart/moqtransport"
	"github.com/mengelbart/moqtransport/quicmoq"
	"github.com/mengelbart/moqtransport/webtransportmoq"
	"github.com/mengelbart/qlog"
	"github.com/mengelbart/qlog/moqt"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/Eyevinn/moqsession/transport"
)

// alpn is the MoQ-over-QUIC next-protocol identifier the teacher's client
// negotiates when dialing without WebTransport.
const alpn = "moq-00"

// initialMaxRequestID mirrors cmd/mlmsub's constant of the same name: the
// number of concurrent requests the peer may issue before a FlowControl
// update is required.
const initialMaxRequestID = 100

// announceBuffer bounds the internal channel bridging the wire session's
// Handler callback (invoked on a moqtransport-owned goroutine) to
// subscribeLoop; a slow consumer drops rather than blocking the handler.
const announceBuffer = 16

// Client dials either raw QUIC or WebTransport depending on the URL scheme
// ("moq+quic://" vs "https://"), matching cmd/mlmsub's dialQUIC/
// dialWebTransport split. TLSConfig defaults to requiring verification;
// tests against a self-signed relay should set InsecureSkipVerify
// explicitly, the way the teacher's CLI flags do. The BindPolicy passed to
// Connect is not applied: neither dial path binds to a chosen IP family.
type Client struct {
	TLSConfig *tls.Config
	// QLog, if non-nil, receives a QUIC-level qlog trace per connection
	// (teacher's cmd/mlmpub/handler_new.go Qlogger wiring).
	QLog io.Writer
}

func (c *Client) Connect(ctx context.Context, rawURL string, bind transport.BindPolicy) (transport.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("moqwire: parse url: %w", err)
	}

	tlsConf := c.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}

	network := "udp4"
	if bind == transport.BindDualStack {
		network = "udp"
	}

	switch u.Scheme {
	case "https", "wt":
		return c.dialWebTransport(ctx, rawURL, tlsConf)
	default:
		return c.dialQUIC(ctx, u.Host, tlsConf, network)
	}
}

func (c *Client) dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, network string) (transport.Transport, error) {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{alpn}
	conn, err := quic.DialAddr(ctx, addr, conf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("moqwire: dial quic: %w", err)
	}
	return newWireConn(quicmoq.NewClient(conn), c.QLog), nil
}

func (c *Client) dialWebTransport(ctx context.Context, addr string, tlsConf *tls.Config) (transport.Transport, error) {
	dialer := webtransport.Dialer{TLSClientConfig: tlsConf}
	_, session, err := dialer.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("moqwire: dial webtransport: %w", err)
	}
	return newWireConn(webtransportmoq.NewClient(session), c.QLog), nil
}

// wireConn adapts a moqtransport.Connection to transport.Transport. The
// *moqtransport.Session itself is constructed eagerly, at Connect time,
// rather than in Handshake: spec.md §4.5 requires a publisher to create
// its track producers and pre-publish its BroadcastConsumer before the
// handshake runs, and moqtransport accepts SubscribeHandler registration
// before Session.Run is called.
type wireConn struct {
	conn   moqtransport.Connection
	sess   *moqtransport.Session
	qlog   io.Writer
	once   sync.Once
	closed chan struct{}
}

func newWireConn(conn moqtransport.Connection, qlogWriter io.Writer) *wireConn {
	return &wireConn{
		conn:   conn,
		sess:   &moqtransport.Session{InitialMaxRequestID: initialMaxRequestID},
		qlog:   qlogWriter,
		closed: make(chan struct{}),
	}
}

func (w *wireConn) Closed() <-chan struct{} { return w.closed }

func (w *wireConn) Close() error {
	var err error
	w.once.Do(func() {
		err = w.conn.CloseWithError(0, "session closed")
		close(w.closed)
	})
	return err
}

// NewBroadcast registers SubscribeHandler on the not-yet-run session and
// returns a BroadcastProducer backed by it, per spec.md §4.5's publisher
// pre-handshake sequencing.
func (w *wireConn) NewBroadcast(path string) (transport.BroadcastProducer, error) {
	return newBroadcastProducer(w.sess, path), nil
}

// Handshaker performs the MoQ setup exchange and bridges announcements
// between the wire session and an Origin's two halves, per transport.go's
// Handshake contract.
type Handshaker struct{}

func (Handshaker) Handshake(ctx context.Context, tr transport.Transport, role transport.Role, in transport.OriginProducer, out transport.OriginConsumer) (transport.WireSession, error) {
	wc, ok := tr.(*wireConn)
	if !ok {
		return nil, errors.New("moqwire: handshake: not a moqwire transport")
	}

	announces := make(chan announceEvent, announceBuffer)

	sess := wc.sess
	sess.Handler = moqtransport.HandlerFunc(func(w moqtransport.ResponseWriter, r *moqtransport.Message) {
		if r.Method != moqtransport.MessageAnnounce {
			return
		}
		if err := w.Accept(); err != nil {
			return
		}
		select {
		case announces <- announceEvent{path: pathOf(r.Namespace), online: true}:
		default:
		}
	})
	if wc.qlog != nil {
		sess.Qlogger = qlog.NewQLOGHandler(wc.qlog, "moqsession", "moqsession", role.String(), moqt.Schema)
	}

	if err := sess.Run(wc.conn); err != nil {
		return nil, fmt.Errorf("moqwire: session run: %w", err)
	}

	ws := &wireSession{sess: sess, tr: wc}

	// ctx only bounds this Handshake call; publishLoop/subscribeLoop must
	// keep running for the life of the connection, so they get their own
	// context tied to the transport closing instead.
	bgCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-wc.Closed()
		cancel()
	}()

	switch role {
	case transport.RolePublisher:
		go publishLoop(bgCtx, sess, out)
	case transport.RoleSubscriber:
		go subscribeLoop(bgCtx, sess, in, announces)
	}

	return ws, nil
}

type announceEvent struct {
	path   string
	online bool
}

func pathOf(namespace []string) string {
	p := ""
	for i, s := range namespace {
		if i > 0 {
			p += "/"
		}
		p += s
	}
	return p
}

// publishLoop drains out (the local Origin consumer) and announces every
// locally published broadcast on the wire session, matching
// cmd/mlmpub/handler_new.go's session.Announce(ctx, namespace) call made
// right after session.Run.
func publishLoop(ctx context.Context, sess *moqtransport.Session, out transport.OriginConsumer) {
	for {
		path, _, ok, err := out.Next(ctx)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		if err := sess.Announce(ctx, []string{path}); err != nil {
			return
		}
	}
}

// subscribeLoop turns accepted remote announcements into BroadcastConsumer
// values pushed into in, so the session layer's OriginConsumer.Next
// observes them the same way it would over memtransport.
func subscribeLoop(ctx context.Context, sess *moqtransport.Session, in transport.OriginProducer, announces <-chan announceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-announces:
			if !ok {
				return
			}
			if !ev.online {
				_ = in.Unpublish(ev.path)
				continue
			}
			_ = in.Publish(ev.path, &broadcastConsumer{sess: sess, namespace: []string{ev.path}})
		}
	}
}

type wireSession struct {
	sess *moqtransport.Session
	tr   *wireConn
}

func (s *wireSession) Closed() <-chan struct{} { return s.tr.Closed() }
func (s *wireSession) Close() error            { return s.tr.Close() }

// broadcastConsumer subscribes to individual tracks of a remote namespace
// lazily, one moqtransport.RemoteTrack per call, as cmd/mlmsub's
// subscribeAndRead does.
type broadcastConsumer struct {
	sess      *moqtransport.Session
	namespace []string
}

func (b *broadcastConsumer) Track(ctx context.Context, name string) (transport.TrackConsumer, error) {
	opts := moqtransport.DefaultSubscribeOptions()
	rt, err := b.sess.SubscribeWithOptions(ctx, b.namespace, name, opts)
	if err != nil {
		return nil, fmt.Errorf("moqwire: subscribe %s/%s: %w", pathOf(b.namespace), name, err)
	}
	return &trackConsumer{rt: rt}, nil
}

// trackConsumer resynthesizes group boundaries from the teacher's flat,
// GroupID/ObjectID-tagged ReadObject stream. An object read past the end
// of one group belongs to the next: pending holds it so the following
// NextGroup call starts from it instead of issuing a fresh ReadObject
// and losing it.
type trackConsumer struct {
	rt *moqtransport.RemoteTrack

	mu      sync.Mutex
	pending *moqtransport.Object
}

func (t *trackConsumer) NextGroup(ctx context.Context) (transport.GroupConsumer, error) {
	t.mu.Lock()
	obj := t.pending
	t.pending = nil
	t.mu.Unlock()

	if obj == nil {
		var err error
		obj, err = t.rt.ReadObject(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrTrackEnded, err)
		}
	}
	return &groupConsumer{track: t, seq: obj.GroupID, first: obj}, nil
}

func (t *trackConsumer) Close() error {
	return t.rt.Close()
}

// groupConsumer reads every object belonging to one group off the shared
// RemoteTrack, stopping as soon as an object from a different group is
// observed.
type groupConsumer struct {
	track *trackConsumer
	seq   uint64
	first *moqtransport.Object
	done  bool
}

func (g *groupConsumer) Sequence() uint64 { return g.seq }

func (g *groupConsumer) ReadFrame(ctx context.Context) ([]byte, error) {
	if g.first != nil {
		obj := g.first
		g.first = nil
		return obj.Payload, nil
	}
	if g.done {
		return nil, transport.ErrGroupEnded
	}
	obj, err := g.track.rt.ReadObject(ctx)
	if err != nil {
		g.done = true
		return nil, transport.ErrGroupEnded
	}
	if obj.GroupID != g.seq {
		g.done = true
		g.track.mu.Lock()
		g.track.pending = obj
		g.track.mu.Unlock()
		return nil, transport.ErrGroupEnded
	}
	return obj.Payload, nil
}
