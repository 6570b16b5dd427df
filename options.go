package moqsession

import (
	"log/slog"
	"time"

	"github.com/Eyevinn/moqsession/transport"
)

type config struct {
	url            string
	broadcast      string
	autoReconnect  bool
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	bind           transport.BindPolicy
	client         transport.Client
	handshaker     transport.Handshaker
	logger         *slog.Logger
	connectTimeout time.Duration
}

func defaultConfig() config {
	return config{
		autoReconnect:  true,
		reconnectBase:  ReconnectBaseDelay,
		reconnectMax:   ReconnectMaxDelay,
		bind:           transport.BindIPv4,
		connectTimeout: DefaultConnectTimeout,
	}
}

// Option configures a Session at construction time.
type Option func(*config)

// WithURL sets the transport URL dialed on every (re)connect attempt.
func WithURL(url string) Option {
	return func(c *config) { c.url = url }
}

// WithBroadcast sets the broadcast path: the one this Session publishes
// under (publisher role) or the one auto-subscription targets
// (subscriber role).
func WithBroadcast(name string) Option {
	return func(c *config) { c.broadcast = name }
}

// WithAutoReconnect controls whether Session.run retries with backoff
// after a connect failure or a mid-session disconnect. Defaults to true;
// WithAutoReconnect(false) gives a connect-once Session that stops after
// the first disconnect.
func WithAutoReconnect(enabled bool) Option {
	return func(c *config) { c.autoReconnect = enabled }
}

// WithReconnectDelay overrides the exponential backoff bounds used
// between reconnect attempts.
func WithReconnectDelay(base, max time.Duration) Option {
	return func(c *config) { c.reconnectBase = base; c.reconnectMax = max }
}

// WithBindPolicy selects the IP family the transport client binds to.
func WithBindPolicy(p transport.BindPolicy) Option {
	return func(c *config) { c.bind = p }
}

// WithClient supplies the transport.Client used to dial, e.g.
// (&moqwire.Client{}) for production or a memtransport.Network's Client
// for tests. Required.
func WithClient(cl transport.Client) Option {
	return func(c *config) { c.client = cl }
}

// WithHandshaker supplies the transport.Handshaker paired with the
// configured Client, e.g. moqwire.Handshaker{} or
// memtransport.Handshaker(). Required.
func WithHandshaker(h transport.Handshaker) Option {
	return func(c *config) { c.handshaker = h }
}

// WithLogger overrides the *slog.Logger every Session component logs
// through. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithConnectTimeout bounds how long a single connect+handshake attempt
// may take before it is treated as a failure.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}
