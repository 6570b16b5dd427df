// Package publish implements per-track group/frame sequencing and writing
// for a publisher session (spec.md §4.2). One Manager is owned by a
// Session and holds one transport.TrackProducer per registered track.
package publish

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/Eyevinn/moqsession/internal/xlog"
	"github.com/Eyevinn/moqsession/transport"
)

// ErrNotConnected wraps a transport failure to open a group or write a
// frame on a registered track.
var ErrNotConnected = errors.New("publish: not connected")

// ErrTrackUnknown is returned when an operation names a track that has no
// producer: it was never registered via RegisterTrack, or Reset dropped it.
var ErrTrackUnknown = errors.New("publish: track unknown")

// ErrTrackExists is returned by RegisterTrack for a duplicate name.
var ErrTrackExists = errors.New("publish: track already registered")

// seedRange bounds the random initial group sequence (spec.md §3): a
// restarted publisher picks a fresh base in [1, 10000] so a subscriber
// mid-stream across a restart can tell groups apart without the sequence
// wrapping back to a value it has already seen.
const seedRange = 10000

// Manager sequences groups and frames for every registered track of one
// broadcast. Locking order, per spec.md §5, is tracks → groups →
// sequences; an operation that needs more than one lock always acquires
// them in that order and releases before any call that can block on the
// transport.
type Manager struct {
	logger *slog.Logger

	tracksMu sync.Mutex
	tracks   map[string]transport.TrackProducer

	groupsMu sync.Mutex
	groups   map[string]transport.GroupProducer

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// NewManager creates an empty Manager. Tracks are added with
// RegisterTrack once a transport.BroadcastProducer exists.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: xlog.Or(logger),
		tracks: make(map[string]transport.TrackProducer),
		groups: make(map[string]transport.GroupProducer),
		seqs:   make(map[string]uint64),
	}
}

// RegisterTrack binds name to a freshly created transport.TrackProducer
// and seeds its sequence counter from a CSPRNG. Called once per track
// immediately after the broadcast producer is materialized.
func (m *Manager) RegisterTrack(name string, tp transport.TrackProducer) error {
	seed, err := randomSeed()
	if err != nil {
		return fmt.Errorf("publish: seed sequence for %q: %w", name, err)
	}

	m.tracksMu.Lock()
	defer m.tracksMu.Unlock()
	if _, exists := m.tracks[name]; exists {
		return fmt.Errorf("%w: %s", ErrTrackExists, name)
	}
	m.tracks[name] = tp

	m.seqMu.Lock()
	m.seqs[name] = seed
	m.seqMu.Unlock()

	return nil
}

// Reset drops every track producer and open group, e.g. on disconnect.
// Sequence counters are intentionally left untouched: spec.md §4.2 only
// requires monotonicity within one connected session, and Reset is called
// precisely at the session boundary where a fresh connection begins — a
// fresh RegisterTrack call after Reset reseeds from the CSPRNG again.
func (m *Manager) Reset() {
	m.tracksMu.Lock()
	m.tracks = make(map[string]transport.TrackProducer)
	m.tracksMu.Unlock()

	m.groupsMu.Lock()
	for _, g := range m.groups {
		_ = g.Close()
	}
	m.groups = make(map[string]transport.GroupProducer)
	m.groupsMu.Unlock()
}

func randomSeed() (uint64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(seedRange))
	if err != nil {
		return 0, err
	}
	return n.Uint64() + 1, nil
}

func (m *Manager) trackProducer(name string) (transport.TrackProducer, error) {
	m.tracksMu.Lock()
	defer m.tracksMu.Unlock()
	tp, ok := m.tracks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTrackUnknown, name)
	}
	return tp, nil
}

func (m *Manager) nextSeq(name string) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	seq := m.seqs[name]
	if seq == 0 {
		seq = 1
	}
	m.seqs[name] = seq + 1
	return seq
}

// StartGroup closes any group already open for name, opens a fresh one
// with the next sequence number, and returns that sequence.
func (m *Manager) StartGroup(name string) (uint64, error) {
	tp, err := m.trackProducer(name)
	if err != nil {
		return 0, err
	}

	m.closeOpenGroup(name)

	seq := m.nextSeq(name)
	gp, err := tp.OpenGroup(seq)
	if err != nil {
		return 0, fmt.Errorf("%w: open group %d on %s: %v", ErrNotConnected, seq, name, err)
	}

	m.groupsMu.Lock()
	m.groups[name] = gp
	m.groupsMu.Unlock()

	m.logger.Debug("opened group", "track", name, "seq", seq)
	return seq, nil
}

func (m *Manager) closeOpenGroup(name string) {
	m.groupsMu.Lock()
	gp, ok := m.groups[name]
	if ok {
		delete(m.groups, name)
	}
	m.groupsMu.Unlock()
	if ok {
		_ = gp.Close()
	}
}

// WriteFrame writes data to the current open group of name, implicitly
// opening one first if newGroup is set or none is open.
func (m *Manager) WriteFrame(name string, data []byte, newGroup bool) error {
	if newGroup {
		if _, err := m.StartGroup(name); err != nil {
			return err
		}
	}

	m.groupsMu.Lock()
	gp, ok := m.groups[name]
	m.groupsMu.Unlock()

	if !ok {
		if _, err := m.StartGroup(name); err != nil {
			return err
		}
		m.groupsMu.Lock()
		gp = m.groups[name]
		m.groupsMu.Unlock()
	}

	if err := gp.WriteFrame(data); err != nil {
		return fmt.Errorf("%w: write frame on %s: %v", ErrNotConnected, name, err)
	}
	return nil
}

// CloseGroup closes the open group for name, if any. No-op otherwise.
func (m *Manager) CloseGroup(name string) error {
	m.closeOpenGroup(name)
	return nil
}

// WriteSingleFrame writes exactly one frame as its own group: StartGroup,
// WriteFrame, CloseGroup, atomic from the caller's point of view.
func (m *Manager) WriteSingleFrame(name string, data []byte) error {
	if _, err := m.StartGroup(name); err != nil {
		return err
	}
	if err := m.WriteFrame(name, data, false); err != nil {
		return err
	}
	return m.CloseGroup(name)
}
