package subscribe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Eyevinn/moqsession/transport"
)

// fakeSession is a minimal SessionHandle double: subscribeFn controls what
// SubscribeTrack returns, and announce lets a test push fresh-epoch events
// the way Session's monitorAnnouncements would.
type fakeSession struct {
	connected   atomic.Bool
	subscribeFn func() (transport.TrackConsumer, error)
	subscribes  atomic.Int32

	announce chan transport.Announcement
	done     chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{announce: make(chan transport.Announcement, 4), done: make(chan struct{})}
}

func (f *fakeSession) Connected() bool { return f.connected.Load() }

func (f *fakeSession) SubscribeTrack(ctx context.Context, broadcast, track string) (transport.TrackConsumer, error) {
	f.subscribes.Add(1)
	return f.subscribeFn()
}

func (f *fakeSession) Announcements() (<-chan transport.Announcement, func()) {
	return f.announce, func() {}
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

// fakeTrackConsumer hands back one canned group, then ends the track.
type fakeTrackConsumer struct {
	frames [][]byte
	served atomic.Bool
	closed atomic.Bool
}

func (tc *fakeTrackConsumer) NextGroup(ctx context.Context) (transport.GroupConsumer, error) {
	if tc.served.Swap(true) {
		return nil, transport.ErrTrackEnded
	}
	return &fakeGroupConsumer{frames: tc.frames}, nil
}

func (tc *fakeTrackConsumer) Close() error {
	tc.closed.Store(true)
	return nil
}

type fakeGroupConsumer struct {
	frames [][]byte
	next   int
}

func (g *fakeGroupConsumer) Sequence() uint64 { return 1 }

func (g *fakeGroupConsumer) ReadFrame(ctx context.Context) ([]byte, error) {
	if g.next >= len(g.frames) {
		return nil, transport.ErrGroupEnded
	}
	f := g.frames[g.next]
	g.next++
	return f, nil
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestConsumerStaysWaitingUntilConnected(t *testing.T) {
	fs := newFakeSession()
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		return &fakeTrackConsumer{}, nil
	}
	c := New(nil, fs, "b", "video")
	defer c.Stop()

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StateWaiting, c.State())
	require.Equal(t, int32(0), fs.subscribes.Load())
}

func TestConsumerSubscribesOnceConnected(t *testing.T) {
	fs := newFakeSession()
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		return &fakeTrackConsumer{frames: [][]byte{[]byte("a")}}, nil
	}
	c := New(nil, fs, "b", "video")
	defer c.Stop()

	fs.connected.Store(true)
	eventually(t, 2*time.Second, func() bool { return c.State() == StateSubscribed })
}

func TestConsumerResubscribesAfterFreshAnnouncement(t *testing.T) {
	fs := newFakeSession()
	fs.connected.Store(true)
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		return &fakeTrackConsumer{frames: [][]byte{[]byte("x")}}, nil
	}
	c := New(nil, fs, "b", "video")
	defer c.Stop()

	eventually(t, 2*time.Second, func() bool { return c.State() == StateSubscribed })

	fs.announce <- transport.Announcement{Path: "b", Online: true}
	eventually(t, 2*time.Second, func() bool { return fs.subscribes.Load() >= 2 })
}

func TestConsumerIgnoresAnnouncementsForOtherBroadcasts(t *testing.T) {
	fs := newFakeSession()
	fs.connected.Store(true)
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		return &fakeTrackConsumer{frames: [][]byte{[]byte("x")}}, nil
	}
	c := New(nil, fs, "b", "video")
	defer c.Stop()

	eventually(t, time.Second, func() bool { return c.State() == StateSubscribed })
	fs.announce <- transport.Announcement{Path: "other", Online: true}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), fs.subscribes.Load())
}

func TestNextGroupDeliversFramesFromHeldConsumer(t *testing.T) {
	fs := newFakeSession()
	fs.connected.Store(true)
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		return &fakeTrackConsumer{frames: [][]byte{[]byte("only")}}, nil
	}
	c := New(nil, fs, "b", "video")
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gc, err := c.NextGroup(ctx)
	require.NoError(t, err)
	f, err := gc.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, "only", string(f))
}

func TestStopIsIdempotentAndClosesHeldConsumer(t *testing.T) {
	fs := newFakeSession()
	fs.connected.Store(true)
	tc := &fakeTrackConsumer{frames: [][]byte{[]byte("x")}}
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		return tc, nil
	}
	c := New(nil, fs, "b", "video")
	eventually(t, time.Second, func() bool { return c.State() == StateSubscribed })

	c.Stop()
	c.Stop()
	require.True(t, tc.closed.Load())
}

// TestNextGroupReturnsErrClosedOnStop covers Stop racing a blocked
// NextGroup call whose own ctx is never cancelled: without an inner
// consumer held, NextGroup parks in its retry sleep, and Stop must wake
// it with transport.ErrClosed rather than a nil error that would leave
// callers dereferencing a nil GroupConsumer.
func TestNextGroupReturnsErrClosedOnStop(t *testing.T) {
	fs := newFakeSession()
	c := New(nil, fs, "b", "video")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.NextGroup(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	c.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("NextGroup did not return after Stop")
	}
}

func TestMaintainerRetriesPastSubscribeErrors(t *testing.T) {
	fs := newFakeSession()
	fs.connected.Store(true)
	attempts := 0
	fs.subscribeFn = func() (transport.TrackConsumer, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient")
		}
		return &fakeTrackConsumer{frames: [][]byte{[]byte("ok")}}, nil
	}
	c := New(nil, fs, "b", "video")
	defer c.Stop()

	eventually(t, 2*time.Second, func() bool { return c.State() == StateSubscribed })
}
