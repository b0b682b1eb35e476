package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Client keeps one broadcast connection alive, reconnecting with backoff,
// and fans inbound events out to channel handlers.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	id       string
	url      string
	cfg      clientConfig
	logger   *slog.Logger
	registry *Registry
	notify   notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	machine   Machine
	epoch     uint64 // bumped on every connect cycle, retry schedule and close
	attempt   int    // consecutive failed cycles since the last Connected
	conn      Transport
	stopCycle context.CancelFunc
	timer     clockwork.Timer
	queue     [][]byte
}

// NewClient creates a client for url. It does not connect until Connect is
// called.
func NewClient(url string, opts ...ClientOption) *Client {
	cfg := newClientConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	return &Client{
		id:       id,
		url:      url,
		cfg:      cfg,
		logger:   cfg.logger.With(slog.String("client_id", id), slog.String("url", url)),
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect creates a client for url and starts connecting.
func Connect(url string, opts ...ClientOption) *Client {
	c := NewClient(url, opts...)
	c.Connect()
	return c
}

// ID returns the client's unique identifier.
func (c *Client) ID() string {
	return c.id
}

// URL returns the server URL.
func (c *Client) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Attempt returns the number of consecutive failed connection cycles.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// OnStateChange registers fn to be called on every state change. The
// returned func revokes the registration; fn is not called after it returns.
func (c *Client) OnStateChange(fn func(State)) func() {
	return c.notify.add(fn)
}

// Connect starts a connection cycle. Observers see StateConnecting before
// the transport is dialed. It is a no-op while connecting or connected and
// after Close. While reconnecting it skips the remaining backoff.
func (c *Client) Connect() {
	c.mu.Lock()
	state := c.machine.State()
	if state == StateClosed || (c.machine.Started() && state != StateReconnecting) {
		c.mu.Unlock()
		return
	}

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.epoch++
	epoch := c.epoch
	if c.machine.Start() {
		c.publishLocked(StateConnecting, StateConnecting)
	} else {
		c.transitionLocked(StateConnecting)
	}
	ctx := c.beginCycleLocked()
	c.mu.Unlock()

	c.notify.drain()
	go c.run(ctx, epoch)
}

// Subscribe registers handler for events on channel. The returned func
// removes exactly this registration; calling it again is a no-op.
// Subscribing to a closed client returns a no-op func.
func (c *Client) Subscribe(channel string, handler Handler) func() {
	c.mu.Lock()
	if c.machine.State() == StateClosed {
		c.mu.Unlock()
		return func() {}
	}
	remove, first := c.registry.Add(channel, handler)
	c.mu.Unlock()

	if first {
		c.syncChannels(NewSubscribeFrame(channel))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if remove() {
				c.syncChannels(NewUnsubscribeFrame(channel))
			}
		})
	}
}

// Emit encodes payload as JSON and sends it. While not connected the
// payload is dropped or queued according to the emit policy. Emit after
// Close does nothing.
func (c *Client) Emit(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("dropping unencodable payload", slog.Any("error", err))
		c.reportError(&SendError{Op: "marshal", Err: err})
		c.cfg.metrics.emit("invalid")
		return
	}

	c.mu.Lock()
	switch state := c.machine.State(); {
	case state == StateClosed:
		c.mu.Unlock()
		c.logger.Debug("emit after close ignored")
		c.cfg.metrics.emit("dropped")

	case state == StateConnected && c.conn != nil:
		t, epoch := c.conn, c.epoch
		c.mu.Unlock()
		if c.write(epoch, t, data) {
			c.cfg.metrics.emit("sent")
		}

	case c.cfg.emit.Mode == EmitQueue:
		evicted := false
		if len(c.queue) >= c.cfg.emit.QueueSize {
			c.queue = c.queue[1:]
			evicted = true
		}
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		if evicted {
			c.logger.Warn("emit queue full, evicted oldest payload")
			c.reportError(ErrQueueFull)
			c.cfg.metrics.emit("evicted")
		}
		c.cfg.metrics.emit("queued")

	default:
		c.mu.Unlock()
		c.logger.Debug("emit while disconnected dropped", slog.String("state", state.String()))
		c.reportError(ErrNotConnected)
		c.cfg.metrics.emit("dropped")
	}
}

// Publish emits an event envelope with the same shape as inbound events.
func (c *Client) Publish(channel, event string, payload any) {
	ev, err := NewEvent(channel, event, payload)
	if err != nil {
		c.logger.Warn("dropping unencodable payload", slog.Any("error", err))
		c.reportError(&SendError{Op: "marshal", Err: err})
		c.cfg.metrics.emit("invalid")
		return
	}
	c.Emit(ev)
}

// Close moves the client to StateClosed, tears the transport down, cancels
// any pending reconnect and drops every subscription. It is irreversible
// and safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.machine.State() == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.closeLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Debug("client closed")
	c.notify.drain()
}

// closeLocked must be called with c.mu held and the client not yet closed.
// It returns the live transport, which the caller closes after unlocking.
func (c *Client) closeLocked() Transport {
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopCycle != nil {
		c.stopCycle()
		c.stopCycle = nil
	}
	c.cancel()

	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.transitionLocked(StateClosed)
	c.registry.Clear()
	return conn
}

func (c *Client) beginCycleLocked() context.Context {
	ctx, cancel := context.WithCancel(c.ctx)
	c.stopCycle = cancel
	return ctx
}

func (c *Client) transitionLocked(to State) bool {
	from := c.machine.State()
	if err := c.machine.Transition(to); err != nil {
		c.logger.Error("ignoring state change", slog.Any("error", err))
		return false
	}
	c.publishLocked(from, to)
	return true
}

func (c *Client) publishLocked(from, to State) {
	c.cfg.metrics.transition(from, to)
	c.logger.Info("connection state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	c.notify.enqueue(to)
}

// run dials the transport for one connect cycle and reads from it until it
// fails or the cycle is superseded.
func (c *Client) run(ctx context.Context, epoch uint64) {
	c.cfg.metrics.connectAttempt()

	t, err := c.cfg.dialer.Dial(ctx, c.url)
	if err != nil {
		c.fail(epoch, err)
		return
	}
	if !c.opened(epoch, t) {
		// Superseded while dialing; never let it resurrect the client.
		_ = t.Close()
		return
	}

	c.readLoop(ctx, epoch, t)
}

func (c *Client) opened(epoch uint64, t Transport) bool {
	c.mu.Lock()
	if epoch != c.epoch || c.machine.State() != StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.conn = t
	c.attempt = 0
	c.transitionLocked(StateConnected)

	var frames [][]byte
	if c.cfg.channelSync {
		if channels := c.registry.Channels(); len(channels) > 0 {
			sort.Strings(channels)
			frames = append(frames, NewSubscribeFrame(channels...))
		}
	}
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.notify.drain()

	for _, f := range frames {
		if !c.write(epoch, t, f) {
			return true
		}
	}
	for _, data := range queued {
		if !c.write(epoch, t, data) {
			return true
		}
		c.cfg.metrics.emit("flushed")
	}
	return true
}

func (c *Client) readLoop(ctx context.Context, epoch uint64, t Transport) {
	for {
		event, err := t.Receive(ctx)
		if err != nil {
			var malformed *MalformedMessageError
			if errors.As(err, &malformed) {
				c.logger.Warn("dropping malformed message", slog.Any("error", err))
				c.reportError(err)
				c.cfg.metrics.malformed()
				continue
			}
			c.fail(epoch, err)
			return
		}

		if !c.current(epoch) {
			return
		}
		c.dispatch(event)
	}
}

func (c *Client) dispatch(event Event) {
	if c.cfg.onReceive != nil {
		c.cfg.onReceive(event)
	}

	c.logger.Debug("received event",
		slog.String("channel", event.Channel),
		slog.String("event", event.Event),
	)

	n := c.registry.Dispatch(event)
	c.cfg.metrics.received(n)
}

// current reports whether epoch is still the live connected cycle.
func (c *Client) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch && c.machine.State() == StateConnected
}

// fail folds a transport error for the given cycle into StateReconnecting
// and schedules the next attempt. Errors from superseded cycles are ignored.
func (c *Client) fail(epoch uint64, err error) {
	c.mu.Lock()
	if epoch != c.epoch || c.machine.State() == StateClosed {
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.conn = nil
	if c.stopCycle != nil {
		c.stopCycle()
		c.stopCycle = nil
	}

	delay := c.cfg.reconnect.Delay(c.attempt)
	c.attempt++
	attempt := c.attempt

	if limit := c.cfg.reconnect.MaxAttempts; limit > 0 && attempt >= limit {
		c.closeLocked()
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		c.logger.Warn("giving up after failed connection attempts",
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
		c.reportError(err)
		c.reportError(ErrMaxAttempts)
		c.notify.drain()
		return
	}

	c.transitionLocked(StateReconnecting)
	c.epoch++
	next := c.epoch
	c.timer = c.cfg.clock.AfterFunc(delay, func() { c.retry(next) })
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.cfg.metrics.reconnectScheduled()
	c.logger.Warn("connection lost, reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
	c.reportError(err)
	c.notify.drain()
}

// retry starts the connect cycle scheduled by fail.
func (c *Client) retry(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.machine.State() != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.transitionLocked(StateConnecting)
	ctx := c.beginCycleLocked()
	c.mu.Unlock()

	c.notify.drain()
	go c.run(ctx, epoch)
}

// write sends one frame on t. A failed write folds into reconnection.
func (c *Client) write(epoch uint64, t Transport, data []byte) bool {
	if c.cfg.onSend != nil {
		c.cfg.onSend(data)
	}
	c.logger.Debug("sending frame", slog.Int("bytes", len(data)))

	if err := t.Send(c.ctx, data); err != nil {
		c.fail(epoch, err)
		return false
	}
	return true
}

// syncChannels sends a control frame if channel sync is on and the client
// is connected. Frames missed while disconnected are replayed on connect.
func (c *Client) syncChannels(frame []byte) {
	if !c.cfg.channelSync {
		return
	}

	c.mu.Lock()
	if c.machine.State() != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return
	}
	t, epoch := c.conn, c.epoch
	c.mu.Unlock()

	c.write(epoch, t, frame)
}

func (c *Client) reportError(err error) {
	if c.cfg.onError != nil {
		c.cfg.onError(err)
	}
}
