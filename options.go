package broadcast

import (
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// ClientOption configures a broadcast client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger      *slog.Logger
	dialer      Dialer
	dialOpts    *DialOptions
	clock       clockwork.Clock
	reconnect   ReconnectPolicy
	emit        EmitPolicy
	channelSync bool
	metrics     *Metrics
	onSend      func([]byte)
	onReceive   func(Event)
	onError     func(error)
}

func newClientConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		reconnect:   DefaultReconnectPolicy(),
		channelSync: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}
	if cfg.dialer == nil {
		cfg.dialer = WebSocketDialer(cfg.dialOpts)
	}
	cfg.reconnect = cfg.reconnect.withDefaults()
	cfg.emit = cfg.emit.withDefaults()
	return cfg
}

// WithLogger sets a structured logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the WebSocket dialer. Useful for tests and custom
// transports.
func WithDialer(d Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithDialOptions configures the default WebSocket dialer.
func WithDialOptions(opts *DialOptions) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts = opts
	}
}

// WithClock sets the clock used for reconnect timers.
func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *clientConfig) {
		c.clock = clock
	}
}

// WithReconnectPolicy sets the reconnect backoff schedule.
func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(c *clientConfig) {
		c.reconnect = p
	}
}

// WithMaxAttempts caps consecutive failed connection cycles. After the cap
// the client closes itself. Zero retries forever.
func WithMaxAttempts(n int) ClientOption {
	return func(c *clientConfig) {
		c.reconnect.MaxAttempts = n
	}
}

// WithEmitPolicy sets what Emit does while disconnected.
func WithEmitPolicy(p EmitPolicy) ClientOption {
	return func(c *clientConfig) {
		c.emit = p
	}
}

// WithEmitQueue buffers up to size payloads emitted while disconnected.
func WithEmitQueue(size int) ClientOption {
	return func(c *clientConfig) {
		c.emit = EmitPolicy{Mode: EmitQueue, QueueSize: size}
	}
}

// WithChannelSync controls whether the client sends subscribe/unsubscribe
// control frames as channels gain and lose handlers. Enabled by default.
func WithChannelSync(enabled bool) ClientOption {
	return func(c *clientConfig) {
		c.channelSync = enabled
	}
}

// WithMetrics records client activity on m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithOnSend sets a callback invoked before each frame is written.
func WithOnSend(fn func([]byte)) ClientOption {
	return func(c *clientConfig) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked for each decoded event before it is
// dispatched.
func WithOnReceive(fn func(Event)) ClientOption {
	return func(c *clientConfig) {
		c.onReceive = fn
	}
}

// WithOnError sets a callback for errors the client absorbs: dial and read
// failures, malformed frames, dropped emits.
func WithOnError(fn func(error)) ClientOption {
	return func(c *clientConfig) {
		c.onError = fn
	}
}
