package moqwire

import (
	"sync"

	"github.com/mengelbart/moqtransport"

	"github.com/Eyevinn/moqsession/transport"
)

// broadcastProducer is the local, owning side of a published broadcast.
// Track producers exist from the moment the application registers them,
// independent of whether any peer has subscribed yet — matching spec.md
// §4.5 ("for each registered TrackDefinition, create a track producer on
// the broadcast" at Connected time). Data only actually reaches the wire
// once moqtransport's SubscribeHandler accepts a remote subscription and
// hands back a moqtransport.Publisher for it, grounded in the teacher's
// internal/track_publisher.go publishGroupToSubscription fan-out.
type broadcastProducer struct {
	sess *moqtransport.Session
	path string

	mu     sync.Mutex
	tracks map[string]*trackProducer
}

func newBroadcastProducer(sess *moqtransport.Session, path string) *broadcastProducer {
	bp := &broadcastProducer{sess: sess, path: path, tracks: make(map[string]*trackProducer)}
	sess.SubscribeHandler = moqtransport.SubscribeHandlerFunc(func(w *moqtransport.SubscribeResponseWriter, m *moqtransport.SubscribeMessage) {
		bp.mu.Lock()
		tp, ok := bp.tracks[m.Track]
		bp.mu.Unlock()
		if !ok {
			_ = w.Reject(moqtransport.ErrorCodeSubscribeTrackDoesNotExist, "unknown track")
			return
		}
		pub, err := w.Accept()
		if err != nil {
			return
		}
		tp.addSubscriber(pub)
	})
	return bp
}

func (bp *broadcastProducer) CreateTrack(name string, priority uint8) (transport.TrackProducer, error) {
	tp := &trackProducer{name: name, priority: priority}
	bp.mu.Lock()
	bp.tracks[name] = tp
	bp.mu.Unlock()
	return tp, nil
}

func (bp *broadcastProducer) Consumer() transport.BroadcastConsumer {
	return &broadcastConsumer{sess: bp.sess, namespace: []string{bp.path}}
}

func (bp *broadcastProducer) Close() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, tp := range bp.tracks {
		tp.closeAll()
	}
	return nil
}

// trackProducer fans every written group out to each subscriber currently
// attached via the SubscribeHandler above.
type trackProducer struct {
	name     string
	priority uint8

	mu   sync.Mutex
	subs []moqtransport.Publisher
}

func (tp *trackProducer) addSubscriber(pub moqtransport.Publisher) {
	tp.mu.Lock()
	tp.subs = append(tp.subs, pub)
	tp.mu.Unlock()
}

func (tp *trackProducer) closeAll() {
	tp.mu.Lock()
	subs := tp.subs
	tp.subs = nil
	tp.mu.Unlock()
	for _, pub := range subs {
		_ = pub.CloseWithError(0, "track closed")
	}
}

func (tp *trackProducer) OpenGroup(seq uint64) (transport.GroupProducer, error) {
	tp.mu.Lock()
	subs := make([]moqtransport.Publisher, len(tp.subs))
	copy(subs, tp.subs)
	tp.mu.Unlock()

	writers := make([]moqtransport.SubgroupWriter, 0, len(subs))
	for _, pub := range subs {
		sg, err := pub.OpenSubgroup(seq, 0, tp.priority)
		if err != nil {
			continue
		}
		writers = append(writers, sg)
	}
	return &groupProducer{seq: seq, objID: 0, writers: writers}, nil
}

func (tp *trackProducer) Close() error {
	tp.closeAll()
	return nil
}

type groupProducer struct {
	seq     uint64
	objID   uint64
	writers []moqtransport.SubgroupWriter
}

func (g *groupProducer) Sequence() uint64 { return g.seq }

// WriteFrame fans data out to every subscriber writer open for this
// group. A write failure drops that one writer for the remainder of the
// group rather than failing the call: one stalled or disconnected
// subscriber must not interrupt delivery to the others.
func (g *groupProducer) WriteFrame(data []byte) error {
	live := g.writers[:0]
	for _, w := range g.writers {
		if err := w.WriteObject(g.objID, data); err == nil {
			live = append(live, w)
		}
	}
	g.writers = live
	g.objID++
	return nil
}

func (g *groupProducer) Close() error {
	for _, w := range g.writers {
		_ = w.Close()
	}
	return nil
}
