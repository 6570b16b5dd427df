// Package subscribe implements the Resilient Track Consumer (spec.md
// §4.3): a consumer that hides reconnection and broadcaster-restart
// cycles from the caller by transparently re-subscribing to a single
// (broadcast, track) pair for as long as the consumer is alive.
package subscribe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Eyevinn/moqsession/internal/xlog"
	"github.com/Eyevinn/moqsession/transport"
)

// MaintainerRetryInterval is how long the subscription maintainer waits
// between failed subscribe attempts, and how often it polls for the
// session to become connected.
const MaintainerRetryInterval = time.Second

// NextGroupRetryInterval is how long NextGroup waits before retrying after
// its inner consumer is dropped or exhausted.
const NextGroupRetryInterval = 250 * time.Millisecond

// SessionHandle is the narrow view of a Session that a Consumer needs.
// The root Session type satisfies this structurally so subscribe never
// imports the root package.
type SessionHandle interface {
	Connected() bool
	SubscribeTrack(ctx context.Context, broadcast, track string) (transport.TrackConsumer, error)
	Announcements() (<-chan transport.Announcement, func())
	Done() <-chan struct{}
}

// state models the Waiting → Subscribed → Draining → Waiting machine from
// spec.md §4.3. It exists only for observability (Consumer.State) — the
// maintainer and listener goroutines drive behavior directly off whether
// an inner consumer is currently held.
type State int

const (
	StateWaiting State = iota
	StateSubscribed
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateDraining:
		return "draining"
	default:
		return "waiting"
	}
}

// Consumer maintains one live subscription to a (broadcast, track) pair
// across announce/unannounce cycles and broadcaster restarts, presenting
// a continuous stream of groups via NextGroup.
type Consumer struct {
	logger    *slog.Logger
	session   SessionHandle
	broadcast string
	trackName string

	mu    sync.Mutex
	inner transport.TrackConsumer
	st    State

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Consumer for (broadcast, trackName) and immediately spawns
// its subscription-maintainer and announcement-listener tasks.
func New(logger *slog.Logger, session SessionHandle, broadcast, trackName string) *Consumer {
	c := &Consumer{
		logger:    xlog.Or(logger).With("broadcast", broadcast, "track", trackName),
		session:   session,
		broadcast: broadcast,
		trackName: trackName,
		stopCh:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.maintainSubscription()
	go c.listenAnnouncements()
	return c
}

// State reports the consumer's current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Stop cancels both background tasks and waits for them to exit. Safe to
// call more than once; subsequent calls are no-ops.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner != nil {
		_ = inner.Close()
	}
}

func (c *Consumer) held() transport.TrackConsumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner
}

func (c *Consumer) setHeld(tc transport.TrackConsumer) {
	c.mu.Lock()
	c.inner = tc
	if tc != nil {
		c.st = StateSubscribed
	} else {
		c.st = StateWaiting
	}
	c.mu.Unlock()
}

// dropHeld clears the held inner consumer, if any, and closes it. Returns
// true if a consumer was actually dropped.
func (c *Consumer) dropHeld() bool {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	if inner != nil {
		c.st = StateDraining
	}
	c.mu.Unlock()
	if inner == nil {
		return false
	}
	_ = inner.Close()
	return true
}

// maintainSubscription is the subscription-maintainer task from spec.md
// §4.3(1): while no inner consumer is held, repeatedly try to subscribe;
// once held, idle until it is dropped (by NextGroup or the announcement
// listener).
func (c *Consumer) maintainSubscription() {
	defer c.wg.Done()
	t := time.NewTimer(0)
	defer t.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
		}

		if c.held() == nil {
			c.setHeld(nil) // Draining → Waiting
		}

		if !c.session.Connected() {
			t.Reset(MaintainerRetryInterval)
			continue
		}

		if c.held() == nil {
			ctx, cancel := contextWithStop(c.stopCh)
			tc, err := c.session.SubscribeTrack(ctx, c.broadcast, c.trackName)
			cancel()
			if err != nil {
				c.logger.Debug("subscribe attempt failed, retrying", "error", err)
			} else {
				c.setHeld(tc)
			}
		}

		t.Reset(MaintainerRetryInterval)
	}
}

// listenAnnouncements is the announcement-listener task from spec.md
// §4.3(2): any announcement for this consumer's broadcast is treated as a
// fresh epoch, forcing the maintainer to re-subscribe.
func (c *Consumer) listenAnnouncements() {
	defer c.wg.Done()

	ch, cancel := c.session.Announcements()
	defer cancel()

	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Path != c.broadcast {
				continue
			}
			if c.dropHeld() {
				c.logger.Debug("dropped inner consumer on fresh announcement", "online", ev.Online)
			}
		}
	}
}

// NextGroup returns the next group from the currently held inner
// consumer, transparently retrying across resets. It never returns
// permanently except when the consumer itself has been stopped or ctx is
// done.
func (c *Consumer) NextGroup(ctx context.Context) (transport.GroupConsumer, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, transport.ErrClosed
		default:
		}

		inner := c.held()
		if inner == nil {
			if err := c.sleep(ctx, NextGroupRetryInterval); err != nil {
				return nil, err
			}
			continue
		}

		gc, err := inner.NextGroup(ctx)
		if err != nil {
			c.dropHeld()
			if err := c.sleep(ctx, NextGroupRetryInterval); err != nil {
				return nil, err
			}
			continue
		}
		return gc, nil
	}
}

// sleep waits d out, returning nil. It returns early with ctx.Err() if
// ctx is done, or transport.ErrClosed if the consumer is stopped first —
// callers must not conflate the two, since a stopped consumer may be
// waited on by a caller whose own ctx is never cancelled.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return transport.ErrClosed
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
