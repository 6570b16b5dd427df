package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Eyevinn/moqsession/transport"
	"github.com/Eyevinn/moqsession/transport/memtransport"
)

type testManager struct {
	*Manager
	bc transport.BroadcastConsumer
}

// subscribeVideo subscribes to the video track up front, synchronously, so
// callers can write frames afterward without racing memtransport's
// no-backlog fanout.
func (tm testManager) subscribeVideo(t *testing.T) func() []string {
	t.Helper()
	tc, err := tm.bc.Track(context.Background(), "video")
	require.NoError(t, err)
	return func() []string {
		gc, err := tc.NextGroup(context.Background())
		require.NoError(t, err)
		var frames []string
		for {
			f, err := gc.ReadFrame(context.Background())
			if err != nil {
				break
			}
			frames = append(frames, string(f))
		}
		return frames
	}
}

func newTestManager(t *testing.T) testManager {
	t.Helper()
	net := memtransport.NewNetwork()
	tr, err := net.Client().Connect(context.Background(), "moq://test/broadcast", 0)
	require.NoError(t, err)
	bp, err := tr.NewBroadcast("broadcast")
	require.NoError(t, err)

	m := NewManager(nil)
	tp, err := bp.CreateTrack("video", 1)
	require.NoError(t, err)
	require.NoError(t, m.RegisterTrack("video", tp))

	return testManager{Manager: m, bc: bp.Consumer()}
}

func TestRegisterTrackRejectsDuplicate(t *testing.T) {
	tm := newTestManager(t)
	err := tm.RegisterTrack("video", nil)
	require.ErrorIs(t, err, ErrTrackExists)
}

func TestWriteFrameUnknownTrack(t *testing.T) {
	tm := newTestManager(t)
	err := tm.WriteFrame("nope", []byte("x"), false)
	require.ErrorIs(t, err, ErrTrackUnknown)
}

func TestWriteSingleFrameClosesGroup(t *testing.T) {
	tm := newTestManager(t)
	require.NoError(t, tm.WriteSingleFrame("video", []byte("a")))
	require.NoError(t, tm.WriteSingleFrame("video", []byte("b")))

	tm.groupsMu.Lock()
	_, open := tm.groups["video"]
	tm.groupsMu.Unlock()
	require.False(t, open)

	// StartGroup bumps the sequence on every call, so consecutive groups get
	// consecutive sequence numbers regardless of the CSPRNG seed.
	seq, err := tm.StartGroup("video")
	require.NoError(t, err)
	seq2, err := tm.StartGroup("video")
	require.NoError(t, err)
	require.Equal(t, seq+1, seq2)
}

func TestWriteFrameImplicitlyOpensGroup(t *testing.T) {
	tm := newTestManager(t)
	require.NoError(t, tm.WriteFrame("video", []byte("first"), false))
	require.NoError(t, tm.WriteFrame("video", []byte("second"), false))
	require.NoError(t, tm.CloseGroup("video"))
}

func TestStartGroupClosesPreviousGroup(t *testing.T) {
	tm := newTestManager(t)
	readAll := tm.subscribeVideo(t)
	seq1, err := tm.StartGroup("video")
	require.NoError(t, err)
	require.NoError(t, tm.WriteFrame("video", []byte("g1"), false))

	seq2, err := tm.StartGroup("video")
	require.NoError(t, err)
	require.NotEqual(t, seq1, seq2)
	// memtransport only delivers a group once it is closed.
	require.Equal(t, []string{"g1"}, readAll())
}

func TestResetDropsTracks(t *testing.T) {
	tm := newTestManager(t)
	_, err := tm.StartGroup("video")
	require.NoError(t, err)
	tm.Reset()

	err = tm.WriteFrame("video", []byte("x"), false)
	require.ErrorIs(t, err, ErrTrackUnknown)
}

func TestWrittenFramesAreReadableFromTheConsumerSide(t *testing.T) {
	tm := newTestManager(t)
	readAll := tm.subscribeVideo(t)

	require.NoError(t, tm.WriteFrame("video", []byte("one"), false))
	require.NoError(t, tm.WriteFrame("video", []byte("two"), false))
	require.NoError(t, tm.CloseGroup("video"))

	require.Equal(t, []string{"one", "two"}, readAll())
}
