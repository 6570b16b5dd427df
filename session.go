// Package moqsession is a transport-agnostic MoQ client library: one
// Session manages a single connection's lifecycle (connect, MoQ
// handshake, reconnect with backoff), and delegates group/frame
// sequencing to publish.Manager, per-track resilience to
// subscribe.Consumer, and whole-broadcast catalog-driven subscription to
// broadcast.Manager. Everything below the transport.Client/
// transport.Handshaker boundary is swappable: transport/moqwire for
// production, transport/memtransport for tests.
package moqsession

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/Eyevinn/moqsession/broadcast"
	"github.com/Eyevinn/moqsession/catalog"
	"github.com/Eyevinn/moqsession/internal/eventqueue"
	"github.com/Eyevinn/moqsession/internal/fanout"
	"github.com/Eyevinn/moqsession/internal/xlog"
	"github.com/Eyevinn/moqsession/publish"
	"github.com/Eyevinn/moqsession/subscribe"
	"github.com/Eyevinn/moqsession/track"
	"github.com/Eyevinn/moqsession/transport"
)

// Role is the transport role a Session was constructed with.
type Role = transport.Role

const (
	RolePublisher  = transport.RolePublisher
	RoleSubscriber = transport.RoleSubscriber
)

// consumeCall lets concurrent SubscribeTrack callers share a single
// in-flight OriginConsumer.Consume for the same broadcast path, honoring
// transport.OriginConsumer's "at most once per path per session" rule
// (spec.md §8 Scenario D) without holding any Session lock across the
// network call.
type consumeCall struct {
	done chan struct{}
	bc   transport.BroadcastConsumer
	err  error
}

// Session is a single MoQ connection's lifecycle: connect, handshake,
// publish and/or subscribe, reconnect. Construct with New, then Start
// (or the blocking Run) it.
type Session struct {
	cfg    config
	role   transport.Role
	logger *slog.Logger

	catalogMu       sync.Mutex
	tracks          []track.Definition
	catalogFormat   catalog.Format
	explicitCatalog *catalog.Catalog
	catalogPublished bool

	pub *publish.Manager

	autoSubMu       sync.Mutex
	autoSub         *broadcast.Manager
	autoSubCallback broadcast.DataCallback

	resilientMu sync.Mutex
	resilient   []*subscribe.Consumer

	events      *eventqueue.Queue[SessionEvent]
	announceBus *fanout.Bus[transport.Announcement]

	callbacksMu          sync.Mutex
	onLog                func(level, msg string)
	onBroadcastAnnounced func(path string)
	onBroadcastCancelled func(path string)
	onConnectionClosed   func(reason string)

	stateMu         sync.Mutex
	connected       bool
	tr              transport.Transport
	ws              transport.WireSession
	bp              transport.BroadcastProducer
	originOut       transport.OriginConsumer
	consumeCache    map[string]transport.BroadcastConsumer
	consumeInflight map[string]*consumeCall

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	wg        sync.WaitGroup
}

// New validates opts and constructs a Session. No I/O happens until
// Start or Run is called.
func New(role transport.Role, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.url == "" {
		return nil, fmt.Errorf("%w: no url configured", ErrInvalidConfig)
	}
	if _, err := url.Parse(cfg.url); err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrInvalidConfig, err)
	}
	if cfg.broadcast == "" {
		return nil, fmt.Errorf("%w: no broadcast name configured", ErrInvalidConfig)
	}
	if cfg.client == nil {
		return nil, fmt.Errorf("%w: no transport client configured", ErrInvalidConfig)
	}
	if cfg.handshaker == nil {
		return nil, fmt.Errorf("%w: no handshaker configured", ErrInvalidConfig)
	}

	logger := xlog.Or(cfg.logger).With("broadcast", cfg.broadcast, "role", role.String())

	return &Session{
		cfg:             cfg,
		role:            role,
		logger:          logger,
		catalogFormat:   catalog.FormatFlat,
		pub:             publish.NewManager(logger),
		events:          eventqueue.New[SessionEvent](),
		announceBus:     fanout.New[transport.Announcement](fanout.DefaultCapacity),
		consumeCache:    make(map[string]transport.BroadcastConsumer),
		consumeInflight: make(map[string]*consumeCall),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// RegisterTrack declares a track this Session will publish. Publisher
// role only; must be called before Start.
func (s *Session) RegisterTrack(def track.Definition) error {
	if s.role != transport.RolePublisher {
		return fmt.Errorf("%w: register_track is publisher-only", ErrInvalidConfig)
	}
	if track.IsReserved(def.Name) {
		return fmt.Errorf("%w: %s is a reserved track name", ErrInvalidConfig, def.Name)
	}

	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	for _, d := range s.tracks {
		if d.Name == def.Name {
			return fmt.Errorf("%w: track %q already registered", ErrInvalidConfig, def.Name)
		}
	}
	s.tracks = append(s.tracks, def)
	return nil
}

// SetCatalog overrides the catalog published on every (re)connect with
// an explicit value, instead of one derived from registered tracks.
func (s *Session) SetCatalog(cat catalog.Catalog) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.explicitCatalog = &cat
}

// SetCatalogFormat selects the wire shape used when the catalog is
// derived from registered tracks (the default, absent SetCatalog).
func (s *Session) SetCatalogFormat(format catalog.Format) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.catalogFormat = format
}

// EnableAutoSubscription installs, at most once, a Broadcast
// Subscription Manager that waits for broadcastName to be announced,
// optionally subscribes to its catalog, and fans out subscriptions to
// tracks. Subsequent calls are no-ops. Subscriber role only.
func (s *Session) EnableAutoSubscription(broadcastName string, format catalog.Format, tracks []track.Definition) error {
	if s.role != transport.RoleSubscriber {
		return fmt.Errorf("%w: enable_auto_subscription is subscriber-only", ErrInvalidConfig)
	}

	s.autoSubMu.Lock()
	defer s.autoSubMu.Unlock()
	if s.autoSub != nil {
		return nil
	}
	s.autoSub = broadcast.New(s.logger, s, broadcastName, format, tracks, s.autoSubCallback)
	return nil
}

// SetAutoSubscriptionDataCallback sets the callback invoked for every
// frame the auto-subscription manager dispatches. Must be called before
// EnableAutoSubscription to take effect, since the manager captures it
// at construction.
func (s *Session) SetAutoSubscriptionDataCallback(fn broadcast.DataCallback) {
	s.autoSubMu.Lock()
	defer s.autoSubMu.Unlock()
	s.autoSubCallback = fn
}

// NewResilientConsumer returns a subscribe.Consumer that maintains one
// live subscription to (broadcastName, trackName) across reconnects and
// broadcaster restarts, independent of any auto-subscription manager.
// Subscriber role only; the returned Consumer's Stop is called
// automatically by Session.Stop, but may also be called earlier by the
// caller.
func (s *Session) NewResilientConsumer(broadcastName, trackName string) (*subscribe.Consumer, error) {
	if s.role != transport.RoleSubscriber {
		return nil, fmt.Errorf("%w: resilient consumers are subscriber-only", ErrInvalidConfig)
	}
	c := subscribe.New(s.logger, s, broadcastName, trackName)
	s.resilientMu.Lock()
	s.resilient = append(s.resilient, c)
	s.resilientMu.Unlock()
	return c, nil
}

// SetLogCallback registers fn to receive the error messages the Session
// itself emits (connect failures), with level "error". Other log output
// goes only to the structured logger.
func (s *Session) SetLogCallback(fn func(level, msg string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onLog = fn
}

// SetOnBroadcastAnnounced registers fn to be called whenever a broadcast
// is announced.
func (s *Session) SetOnBroadcastAnnounced(fn func(path string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onBroadcastAnnounced = fn
}

// SetOnBroadcastCancelled registers fn to be called whenever a broadcast
// is unannounced.
func (s *Session) SetOnBroadcastCancelled(fn func(path string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onBroadcastCancelled = fn
}

// SetOnConnectionClosed registers fn to be called whenever the
// connection drops, with a short human-readable reason.
func (s *Session) SetOnConnectionClosed(fn func(reason string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onConnectionClosed = fn
}

// NextEvent blocks until a SessionEvent is available or ctx is done.
func (s *Session) NextEvent(ctx context.Context) (SessionEvent, error) {
	return s.events.Pop(ctx)
}

// Announcements subscribes to the Session's announcement fanout. Call
// the returned cancel func to unsubscribe.
func (s *Session) Announcements() (<-chan transport.Announcement, func()) {
	return s.announceBus.Subscribe()
}

// Connected reports whether the Session currently has a live,
// handshaken connection.
func (s *Session) Connected() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.connected
}

// Done is closed once Stop has been called.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}

// Start launches the Session's connect/reconnect loop in the
// background. Safe to call more than once; only the first call has
// effect.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Stop tears down the connect/reconnect loop and the current connection,
// if any, and waits for every background task to exit. Safe to call more
// than once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.autoSubMu.Lock()
	sub := s.autoSub
	s.autoSubMu.Unlock()
	if sub != nil {
		sub.Stop()
	}

	s.resilientMu.Lock()
	consumers := s.resilient
	s.resilient = nil
	s.resilientMu.Unlock()
	for _, c := range consumers {
		c.Stop()
	}

	s.announceBus.Close()
	s.events.Close()
	return nil
}

// Run starts the Session and blocks until ctx is done, Stop is called by
// another goroutine, or a connect-once Session (WithAutoReconnect(false))
// gives up after its connection ends. It always calls Stop before
// returning.
func (s *Session) Run(ctx context.Context) error {
	s.Start(ctx)
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case <-s.doneCh:
	}
	return s.Stop()
}

// StartGroup opens a fresh group for name, closing any group already
// open for it.
func (s *Session) StartGroup(name string) (uint64, error) {
	if !s.Connected() {
		return 0, ErrNotConnected
	}
	return s.pub.StartGroup(name)
}

// WriteFrame writes data to the current open group of name, opening one
// first if newGroup is set or none is open.
func (s *Session) WriteFrame(name string, data []byte, newGroup bool) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.pub.WriteFrame(name, data, newGroup)
}

// WriteSingleFrame writes data as its own, immediately closed group.
func (s *Session) WriteSingleFrame(name string, data []byte) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.pub.WriteSingleFrame(name, data)
}

// CloseGroup closes the group currently open for name, if any.
func (s *Session) CloseGroup(name string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.pub.CloseGroup(name)
}

// SubscribeTrack consumes broadcastName (at most once per connection,
// cached and shared across concurrent callers) and opens a subscription
// to one of its tracks. Both subscribe.Consumer and broadcast.Manager
// call this; it is the sole place a Session talks to the transport on
// the subscribe side.
func (s *Session) SubscribeTrack(ctx context.Context, broadcastName, trackName string) (transport.TrackConsumer, error) {
	bc, err := s.consumeBroadcast(ctx, broadcastName)
	if err != nil {
		return nil, err
	}
	tc, err := bc.Track(ctx, trackName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrTrackNotFound, broadcastName, trackName, err)
	}
	s.emitEvent(SessionEvent{Kind: EventTrackRequested, Path: broadcastName, Name: trackName})
	return tc, nil
}

func (s *Session) consumeBroadcast(ctx context.Context, name string) (transport.BroadcastConsumer, error) {
	s.stateMu.Lock()
	if !s.connected || s.originOut == nil {
		s.stateMu.Unlock()
		return nil, ErrNotConnected
	}
	if bc, ok := s.consumeCache[name]; ok {
		s.stateMu.Unlock()
		return bc, nil
	}
	if call, ok := s.consumeInflight[name]; ok {
		s.stateMu.Unlock()
		return awaitConsumeCall(ctx, call)
	}
	call := &consumeCall{done: make(chan struct{})}
	s.consumeInflight[name] = call
	out := s.originOut
	s.stateMu.Unlock()

	bc, err := out.Consume(ctx, name)

	s.stateMu.Lock()
	delete(s.consumeInflight, name)
	if err == nil {
		s.consumeCache[name] = bc
	}
	s.stateMu.Unlock()

	call.bc, call.err = bc, err
	close(call.done)

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBroadcastNotFound, name, err)
	}
	return bc, nil
}

func awaitConsumeCall(ctx context.Context, call *consumeCall) (transport.BroadcastConsumer, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBroadcastNotFound, call.err)
		}
		return call.bc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the Session's top-level connect/reconnect loop.
func (s *Session) run(parent context.Context) {
	defer s.wg.Done()
	defer close(s.doneCh)

	delay := s.cfg.reconnectBase
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		connCtx, cancel := context.WithTimeout(parent, s.cfg.connectTimeout)
		err := s.connectOnce(connCtx)
		cancel()

		if err != nil {
			s.emitError(fmt.Sprintf("connect failed: %v", err))
			if !s.cfg.autoReconnect {
				return
			}
			if !s.sleep(delay) {
				return
			}
			delay = nextBackoff(delay, s.cfg.reconnectMax)
			continue
		}

		delay = s.cfg.reconnectBase
		s.waitForDisconnect()
		s.cleanupConnection("disconnected")

		select {
		case <-s.stopCh:
			return
		default:
		}
		if !s.cfg.autoReconnect {
			return
		}
	}
}

// connectOnce dials, and for a publisher pre-publishes its broadcast,
// performs the MoQ handshake, and records the resulting connection
// state. Per spec.md §4.5 the publisher path must materialize its track
// producers and pre-publish the BroadcastConsumer before Handshake runs.
func (s *Session) connectOnce(ctx context.Context) error {
	tr, err := s.cfg.client.Connect(ctx, s.cfg.url, s.cfg.bind)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	origin := transport.NewOrigin()
	in, out := origin.Produce()

	var bp transport.BroadcastProducer
	if s.role == transport.RolePublisher {
		bp, err = tr.NewBroadcast(s.cfg.broadcast)
		if err != nil {
			_ = tr.Close()
			return fmt.Errorf("new broadcast: %w", err)
		}
		if err := s.setUpPublisherTracks(bp); err != nil {
			_ = tr.Close()
			return err
		}
		if err := in.Publish(s.cfg.broadcast, bp.Consumer()); err != nil {
			_ = tr.Close()
			return fmt.Errorf("pre-publish broadcast: %w", err)
		}
	}

	ws, err := s.cfg.handshaker.Handshake(ctx, tr, s.role, in, out)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("%w: %v", ErrSession, err)
	}

	s.stateMu.Lock()
	s.tr = tr
	s.ws = ws
	s.bp = bp
	s.originOut = out
	s.consumeCache = make(map[string]transport.BroadcastConsumer)
	s.consumeInflight = make(map[string]*consumeCall)
	s.connected = true
	s.stateMu.Unlock()

	s.emitEvent(SessionEvent{Kind: EventConnected})

	if s.role == transport.RolePublisher {
		if err := s.publishCatalog(); err != nil {
			s.logger.Warn("catalog publish failed", "error", err)
		}
	} else {
		monCtx, monCancel := connScopedContext(s.stopCh, ws.Closed())
		s.wg.Add(1)
		go func() {
			defer monCancel()
			s.monitorAnnouncements(monCtx, out)
		}()
	}

	return nil
}

// connScopedContext returns a context cancelled when stopCh or closedCh
// fires, so a background task reading from a transport.OriginConsumer
// doesn't outlive the connection it was spawned for.
func connScopedContext(stopCh <-chan struct{}, closedCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
		case <-closedCh:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}

// setUpPublisherTracks creates the transport track for every registered
// definition plus the reserved catalog.json track, and registers them
// with the publish.Manager.
func (s *Session) setUpPublisherTracks(bp transport.BroadcastProducer) error {
	s.catalogMu.Lock()
	defs := append([]track.Definition(nil), s.tracks...)
	s.catalogPublished = false
	s.catalogMu.Unlock()

	for _, def := range defs {
		tp, err := bp.CreateTrack(def.Name, def.Priority)
		if err != nil {
			return fmt.Errorf("create track %s: %w", def.Name, err)
		}
		if err := s.pub.RegisterTrack(def.Name, tp); err != nil {
			return fmt.Errorf("register track %s: %w", def.Name, err)
		}
	}

	catTP, err := bp.CreateTrack(track.CatalogJSON, math.MaxUint8)
	if err != nil {
		return fmt.Errorf("create catalog track: %w", err)
	}
	if err := s.pub.RegisterTrack(track.CatalogJSON, catTP); err != nil {
		return fmt.Errorf("register catalog track: %w", err)
	}
	return nil
}

// publishCatalog serializes the configured (or track-derived) catalog
// and writes it as a single-frame group on catalog.json, once per
// connection.
func (s *Session) publishCatalog() error {
	s.catalogMu.Lock()
	if s.catalogPublished {
		s.catalogMu.Unlock()
		return nil
	}
	format := s.catalogFormat
	explicit := s.explicitCatalog
	defs := append([]track.Definition(nil), s.tracks...)
	s.catalogMu.Unlock()

	var cat catalog.Catalog
	if explicit != nil {
		cat = *explicit
	} else {
		cat = catalog.FromTracks(format, defs)
	}

	data, err := cat.Serialize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := s.pub.WriteSingleFrame(track.CatalogJSON, data); err != nil {
		return err
	}

	s.catalogMu.Lock()
	s.catalogPublished = true
	s.catalogMu.Unlock()
	return nil
}

// monitorAnnouncements is the Session-level announcement monitor task
// (subscriber role): it drains the Origin's consumer half, pre-seeds the
// broadcast consumer cache from every online event, republishes on the
// public announcement fanout, and fires the announce/cancel callbacks.
func (s *Session) monitorAnnouncements(ctx context.Context, out transport.OriginConsumer) {
	defer s.wg.Done()
	for {
		path, bc, ok, err := out.Next(ctx)
		if err != nil {
			return
		}
		if ok {
			s.stateMu.Lock()
			if bc != nil {
				s.consumeCache[path] = bc
			}
			s.stateMu.Unlock()
			s.announceBus.Publish(transport.Announcement{Path: path, Online: true})
			s.emitEvent(SessionEvent{Kind: EventBroadcastAnnounced, Path: path})
			s.fireOnBroadcastAnnounced(path)
		} else {
			s.stateMu.Lock()
			delete(s.consumeCache, path)
			delete(s.consumeInflight, path)
			s.stateMu.Unlock()
			s.announceBus.Publish(transport.Announcement{Path: path, Online: false})
			s.emitEvent(SessionEvent{Kind: EventBroadcastUnannounced, Path: path})
			s.fireOnBroadcastCancelled(path)
		}
	}
}

// waitForDisconnect blocks until the current WireSession reports closed
// or Stop is called.
func (s *Session) waitForDisconnect() {
	s.stateMu.Lock()
	ws := s.ws
	s.stateMu.Unlock()
	if ws == nil {
		return
	}
	select {
	case <-ws.Closed():
	case <-s.stopCh:
	}
}

// cleanupConnection tears down all per-connection state: publish.Manager
// tracks/groups, the catalog-published flag, and the broadcast consumer
// cache, then emits a Disconnected event.
func (s *Session) cleanupConnection(reason string) {
	s.stateMu.Lock()
	tr, ws := s.tr, s.ws
	s.connected = false
	s.tr, s.ws, s.bp, s.originOut = nil, nil, nil, nil
	s.consumeCache = make(map[string]transport.BroadcastConsumer)
	s.consumeInflight = make(map[string]*consumeCall)
	s.stateMu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if tr != nil {
		_ = tr.Close()
	}

	if s.role == transport.RolePublisher {
		s.pub.Reset()
		s.catalogMu.Lock()
		s.catalogPublished = false
		s.catalogMu.Unlock()
	}

	s.emitEvent(SessionEvent{Kind: EventDisconnected, Reason: reason})
	s.fireOnConnectionClosed(reason)
}

func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Session) emitEvent(ev SessionEvent) {
	s.events.Push(ev)
}

func (s *Session) emitError(msg string) {
	s.logger.Warn(msg)
	s.emitEvent(SessionEvent{Kind: EventError, Message: msg})
	s.fireOnLog("error", msg)
}

func (s *Session) fireOnLog(level, msg string) {
	s.callbacksMu.Lock()
	fn := s.onLog
	s.callbacksMu.Unlock()
	if fn != nil {
		fn(level, msg)
	}
}

func (s *Session) fireOnBroadcastAnnounced(path string) {
	s.callbacksMu.Lock()
	fn := s.onBroadcastAnnounced
	s.callbacksMu.Unlock()
	if fn != nil {
		fn(path)
	}
}

func (s *Session) fireOnBroadcastCancelled(path string) {
	s.callbacksMu.Lock()
	fn := s.onBroadcastCancelled
	s.callbacksMu.Unlock()
	if fn != nil {
		fn(path)
	}
}

func (s *Session) fireOnConnectionClosed(reason string) {
	s.callbacksMu.Lock()
	fn := s.onConnectionClosed
	s.callbacksMu.Unlock()
	if fn != nil {
		fn(reason)
	}
}
