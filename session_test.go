package moqsession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Eyevinn/moqsession/catalog"
	"github.com/Eyevinn/moqsession/track"
	"github.com/Eyevinn/moqsession/transport"
	"github.com/Eyevinn/moqsession/transport/memtransport"
)

func newTestSession(t *testing.T, net *memtransport.Network, role transport.Role, url, broadcast string, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithURL(url),
		WithBroadcast(broadcast),
		WithClient(net.Client()),
		WithHandshaker(memtransport.Handshaker()),
		WithConnectTimeout(time.Second),
	}
	s, err := New(role, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Connected() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, s.Connected(), "session never connected")
}

// TestPublishSubscribeRoundTrip exercises spec.md's publish+subscribe
// scenario over the in-memory transport double: a publisher session
// writes a frame on a track, a separate subscriber session on the same
// network observes the announcement and reads it back. This
// also exercises the publisher's pre-handshake Publish into its Origin,
// which originBus.Next must not lose even though the announcement
// bridge only starts listening once Handshake runs.
func TestPublishSubscribeRoundTrip(t *testing.T) {
	net := memtransport.NewNetwork()
	const url = "moq://relay/roundtrip"
	const broadcast = "cam1"

	pub := newTestSession(t, net, RolePublisher, url, broadcast, WithAutoReconnect(false))
	require.NoError(t, pub.RegisterTrack(track.Definition{Name: "video", Priority: 1}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)
	defer pub.Stop()
	waitConnected(t, pub)

	sub := newTestSession(t, net, RoleSubscriber, url, broadcast, WithAutoReconnect(false))
	sub.Start(ctx)
	defer sub.Stop()
	waitConnected(t, sub)

	subCtx, subCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer subCancel()
	tc, err := sub.SubscribeTrack(subCtx, broadcast, "video")
	require.NoError(t, err)

	require.NoError(t, pub.WriteFrame("video", []byte("hello"), true))
	require.NoError(t, pub.CloseGroup("video"))

	gc, err := tc.NextGroup(subCtx)
	require.NoError(t, err)
	frame, err := gc.ReadFrame(subCtx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(frame))
}

// TestCatalogIsPublishedOnConnect covers the default, track-derived
// catalog: a subscriber reads catalog.json and finds every registered
// track listed.
func TestCatalogIsPublishedOnConnect(t *testing.T) {
	net := memtransport.NewNetwork()
	const url = "moq://relay/catalog"
	const broadcast = "cam2"

	pub := newTestSession(t, net, RolePublisher, url, broadcast, WithAutoReconnect(false))
	require.NoError(t, pub.RegisterTrack(track.Definition{Name: "video", Priority: 1, Kind: track.KindVideo}))
	require.NoError(t, pub.RegisterTrack(track.Definition{Name: "audio", Priority: 0, Kind: track.KindAudio}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)
	defer pub.Stop()
	waitConnected(t, pub)

	sub := newTestSession(t, net, RoleSubscriber, url, broadcast, WithAutoReconnect(false))
	sub.Start(ctx)
	defer sub.Stop()
	waitConnected(t, sub)

	subCtx, subCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer subCancel()
	tc, err := sub.SubscribeTrack(subCtx, broadcast, track.CatalogJSON)
	require.NoError(t, err)

	gc, err := tc.NextGroup(subCtx)
	require.NoError(t, err)
	data, err := gc.ReadFrame(subCtx)
	require.NoError(t, err)

	cat, err := catalog.Parse(catalog.FormatFlat, data)
	require.NoError(t, err)
	require.True(t, cat.FindTrack("video"))
	require.True(t, cat.FindTrack("audio"))
}

// fakeOriginConsumer counts Consume calls and always hands back the same
// canned BroadcastConsumer, letting the white-box test below observe
// Session's own single-flight guarantee directly rather than relying on
// originBus's inherently idempotent map lookup.
type fakeOriginConsumer struct {
	calls atomic.Int32
	bc    transport.BroadcastConsumer
}

func (f *fakeOriginConsumer) Next(ctx context.Context) (string, transport.BroadcastConsumer, bool, error) {
	<-ctx.Done()
	return "", nil, false, ctx.Err()
}

func (f *fakeOriginConsumer) Consume(ctx context.Context, path string) (transport.BroadcastConsumer, error) {
	f.calls.Add(1)
	return f.bc, nil
}

type fakeBroadcastConsumer struct{}

func (fakeBroadcastConsumer) Track(ctx context.Context, name string) (transport.TrackConsumer, error) {
	return nil, transport.ErrBroadcastNotAnnounced
}

// TestConsumeBroadcastCallsConsumeExactlyOnce is a white-box test of
// Session.consumeBroadcast's single-flight/cache logic (spec.md's "ten
// concurrent SubscribeTrack calls for the same broadcast invoke
// OriginConsumer.Consume exactly once" guarantee). It substitutes a
// counting fakeOriginConsumer for s.originOut directly, since a real
// originBus.Consume is itself an idempotent map lookup and so cannot
// demonstrate this property on its own.
func TestConsumeBroadcastCallsConsumeExactlyOnce(t *testing.T) {
	net := memtransport.NewNetwork()
	s := newTestSession(t, net, RoleSubscriber, "moq://relay/d", "cam3", WithAutoReconnect(false))

	fake := &fakeOriginConsumer{bc: fakeBroadcastConsumer{}}
	s.stateMu.Lock()
	s.connected = true
	s.originOut = fake
	s.stateMu.Unlock()

	const n = 10
	results := make([]transport.BroadcastConsumer, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			bc, err := s.consumeBroadcast(context.Background(), "cam3")
			require.NoError(t, err)
			results[i] = bc
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, fake.calls.Load())
	for _, bc := range results {
		require.Equal(t, fakeBroadcastConsumer{}, bc)
	}
}

// TestPublishBeforeConnectedReturnsErrNotConnected checks every publish
// write rejects before Start has ever produced a connection, and that it
// does so without touching publish.Manager's transport-backed state.
func TestPublishBeforeConnectedReturnsErrNotConnected(t *testing.T) {
	net := memtransport.NewNetwork()
	s := newTestSession(t, net, RolePublisher, "moq://relay/e", "cam4", WithAutoReconnect(false))
	require.NoError(t, s.RegisterTrack(track.Definition{Name: "video"}))

	_, err := s.StartGroup("video")
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, s.WriteFrame("video", []byte("x"), false), ErrNotConnected)
	require.ErrorIs(t, s.WriteSingleFrame("video", []byte("x")), ErrNotConnected)
	require.ErrorIs(t, s.CloseGroup("video"), ErrNotConnected)
}

// TestGroupSequenceGetsFreshRandomBaseAcrossReconnect confirms
// publish.Manager's reconnect behavior: every (re)connect reseeds each
// track's sequence counter from a new random base rather than resuming
// the prior connection's count (spec.md's reconnect scenario resolved in
// favor of "fresh random base" over strict cross-connection monotonicity
// — see publish.Manager.Reset).
func TestGroupSequenceGetsFreshRandomBaseAcrossReconnect(t *testing.T) {
	net := memtransport.NewNetwork()
	s := newTestSession(t, net, RolePublisher, "moq://relay/f", "cam5", WithAutoReconnect(true), WithReconnectDelay(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, s.RegisterTrack(track.Definition{Name: "video"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()
	waitConnected(t, s)

	seq1, err := s.StartGroup("video")
	require.NoError(t, err)

	s.stateMu.Lock()
	ws := s.ws
	s.stateMu.Unlock()
	require.NoError(t, ws.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Connected() {
		time.Sleep(time.Millisecond)
	}
	waitConnected(t, s)

	seq2, err := s.StartGroup("video")
	require.NoError(t, err)

	require.NotEqual(t, seq1, seq2)
	require.GreaterOrEqual(t, seq2, uint64(1))
}
