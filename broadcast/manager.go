// Package broadcast implements the Broadcast Subscription Manager
// (spec.md §4.4): for one managed broadcast, wait for it to be announced,
// subscribe to its catalog, and fan out subscriptions to the requested
// tracks, dispatching frames to the application's data callback.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eyevinn/moqsession/catalog"
	"github.com/Eyevinn/moqsession/internal/xlog"
	"github.com/Eyevinn/moqsession/track"
	"github.com/Eyevinn/moqsession/transport"
)

// TrackStagger is the delay inserted between starting consecutive
// per-track subscription tasks, to avoid a thundering herd at the peer
// (spec.md §4.4 step 3).
const TrackStagger = 100 * time.Millisecond

// DataCallback receives every frame dispatched from a subscribed track, in
// upstream order.
type DataCallback func(trackName string, frame []byte)

// SessionHandle is the narrow view of a Session a Manager needs.
type SessionHandle interface {
	Connected() bool
	SubscribeTrack(ctx context.Context, broadcast, trackName string) (transport.TrackConsumer, error)
	Announcements() (<-chan transport.Announcement, func())
	Done() <-chan struct{}
}

// Manager is one instance per managed broadcast, spawned by Session when
// the application calls EnableAutoSubscription.
type Manager struct {
	logger       *slog.Logger
	session      SessionHandle
	broadcast    string
	format       catalog.Format // -1 (Disabled) to skip catalog subscription entirely
	tracks       []track.Definition
	dataCallback DataCallback

	catalogSubscribed atomic.Bool
	isActive          atomic.Bool

	mu             sync.Mutex
	currentCatalog *catalog.Catalog
	catalogConsumer transport.TrackConsumer
	trackConsumers  map[string]transport.TrackConsumer
	cancelFuncs     map[string]context.CancelFunc

	catalogUpdates chan catalog.Catalog

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// FormatDisabled tells New to skip catalog subscription entirely (catalog
// is informational only; requested tracks still subscribe per spec.md
// §4.4's "reads of the catalog are non-blocking for track subscription").
const FormatDisabled catalog.Format = -1

// New constructs a Manager and immediately spawns its single cooperative
// task (spec.md §4.4 "spawned as a single cooperative task on
// construction").
func New(logger *slog.Logger, session SessionHandle, broadcastName string, format catalog.Format, tracks []track.Definition, dataCallback DataCallback) *Manager {
	m := &Manager{
		logger:         xlog.Or(logger).With("broadcast", broadcastName),
		session:        session,
		broadcast:      broadcastName,
		format:         format,
		tracks:         tracks,
		dataCallback:   dataCallback,
		trackConsumers: make(map[string]transport.TrackConsumer),
		cancelFuncs:    make(map[string]context.CancelFunc),
		catalogUpdates: make(chan catalog.Catalog, 4),
		stopCh:         make(chan struct{}),
	}
	m.isActive.Store(true)
	m.wg.Add(1)
	go m.run()
	return m
}

// GetCatalog returns the most recently parsed catalog, if any has been
// received yet.
func (m *Manager) GetCatalog() (catalog.Catalog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentCatalog == nil {
		return catalog.Catalog{}, false
	}
	return *m.currentCatalog, true
}

// CatalogUpdates returns the channel catalog snapshots are published to as
// they arrive. The channel is never closed, not even by Stop.
func (m *Manager) CatalogUpdates() <-chan catalog.Catalog {
	return m.catalogUpdates
}

// Stop idempotently clears all manager state: active flag,
// catalog-subscribed flag, catalog consumer, every track consumer, and
// the cached catalog.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.isActive.Store(false)
	})
	m.wg.Wait()
	m.catalogSubscribed.Store(false)

	m.mu.Lock()
	for name, cancel := range m.cancelFuncs {
		cancel()
		delete(m.cancelFuncs, name)
	}
	if m.catalogConsumer != nil {
		_ = m.catalogConsumer.Close()
		m.catalogConsumer = nil
	}
	for name, tc := range m.trackConsumers {
		_ = tc.Close()
		delete(m.trackConsumers, name)
	}
	m.currentCatalog = nil
	m.mu.Unlock()
}

// run is the manager's top-level task: wait for announce, then subscribe
// to the catalog (conditionally) and fan out track subscriptions.
func (m *Manager) run() {
	defer m.wg.Done()

	if !m.waitForAnnounce() {
		return
	}

	if m.format != FormatDisabled && m.catalogSubscribed.CompareAndSwap(false, true) {
		m.wg.Add(1)
		go m.runCatalog()
	}

	m.wg.Add(1)
	go m.spawnTrackSubscriptions()
}

// waitForAnnounce blocks until an online announcement for m.broadcast
// arrives, or the manager is stopped. Returns false if stopped first.
func (m *Manager) waitForAnnounce() bool {
	ch, cancel := m.session.Announcements()
	defer cancel()

	for {
		select {
		case <-m.stopCh:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Path == m.broadcast && ev.Online {
				return true
			}
		}
	}
}

// runCatalog subscribes to catalog.json at most once per manager lifetime
// and parses every group's first frame as m.format.
func (m *Manager) runCatalog() {
	defer m.wg.Done()

	ctx, cancel := contextWithStop(m.stopCh)
	defer cancel()

	tc, err := m.session.SubscribeTrack(ctx, m.broadcast, track.CatalogJSON)
	if err != nil {
		m.logger.Warn("catalog subscription failed", "error", err)
		return
	}

	m.mu.Lock()
	m.catalogConsumer = tc
	m.mu.Unlock()

	for {
		gc, err := tc.NextGroup(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("catalog stream ended", "error", err)
			}
			return
		}

		frame, err := gc.ReadFrame(ctx)
		if err != nil {
			continue
		}

		cat, err := catalog.Parse(m.format, frame)
		if err != nil {
			m.logger.Warn("malformed catalog frame", "error", err)
			continue
		}

		m.mu.Lock()
		m.currentCatalog = &cat
		m.mu.Unlock()

		select {
		case m.catalogUpdates <- cat:
		case <-ctx.Done():
			return
		default:
			m.logger.Debug("catalog update channel full, dropping")
		}
	}
}

// spawnTrackSubscriptions launches one dispatch task per requested track,
// staggered to avoid a thundering herd at the peer.
func (m *Manager) spawnTrackSubscriptions() {
	defer m.wg.Done()

	t := time.NewTimer(0)
	defer t.Stop()

	for i, def := range m.tracks {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
		}

		m.wg.Add(1)
		go m.dispatchTrack(def.Name)

		if i < len(m.tracks)-1 {
			t.Reset(TrackStagger)
		}
	}
}

// dispatchTrack subscribes once to name and streams every frame to the
// data callback in order, until the stream ends, the manager stops, or an
// error occurs.
func (m *Manager) dispatchTrack(name string) {
	defer m.wg.Done()

	ctx, cancel := contextWithStop(m.stopCh)
	defer cancel()

	m.mu.Lock()
	m.cancelFuncs[name] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancelFuncs, name)
		delete(m.trackConsumers, name)
		m.mu.Unlock()
	}()

	tc, err := m.session.SubscribeTrack(ctx, m.broadcast, name)
	if err != nil {
		m.logger.Warn("track subscription failed", "track", name, "error", err)
		return
	}

	m.mu.Lock()
	m.trackConsumers[name] = tc
	m.mu.Unlock()

	for {
		gc, err := tc.NextGroup(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("track stream ended", "track", name, "error", err)
			}
			_ = tc.Close()
			return
		}
		for {
			frame, err := gc.ReadFrame(ctx)
			if err != nil {
				break
			}
			if m.dataCallback != nil {
				m.dataCallback(name, frame)
			}
		}
	}
}

func contextWithStop(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
