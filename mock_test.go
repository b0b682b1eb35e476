package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const waitTimeout = time.Second

var errDropped = errors.New("connection reset by peer")

type recvResult struct {
	event Event
	err   error
}

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool

	inbound chan recvResult
	done    chan struct{}
	onSend  chan []byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		inbound: make(chan recvResult, 100),
		done:    make(chan struct{}),
		onSend:  make(chan []byte, 100),
	}
}

func (m *mockTransport) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, data)

	select {
	case m.onSend <- data:
	default:
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-m.done:
		return Event{}, ErrClosed
	case r := <-m.inbound:
		return r.event, r.err
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) push(event Event) {
	m.inbound <- recvResult{event: event}
}

func (m *mockTransport) pushErr(err error) {
	m.inbound <- recvResult{err: err}
}

// drop simulates the peer going away.
func (m *mockTransport) drop() {
	m.pushErr(&ConnectionError{Op: "read", Err: errDropped})
}

func (m *mockTransport) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// waitForSend waits for a frame to be sent and returns it.
func (m *mockTransport) waitForSend(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-m.onSend:
		return data
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

type dialReply struct {
	transport Transport
	err       error
}

type dialRequest struct {
	url   string
	reply chan dialReply
}

// accept completes the dial with a fresh transport.
func (r *dialRequest) accept() *mockTransport {
	tr := newMockTransport()
	r.reply <- dialReply{transport: tr}
	return tr
}

// reject fails the dial.
func (r *dialRequest) reject(err error) {
	r.reply <- dialReply{err: err}
}

// mockDialer hands each Dial call to the test, which decides when and how it
// completes. Dials ignore context cancellation so tests can simulate a
// transport that finishes opening after the client gave up on it.
type mockDialer struct {
	dials    chan *dialRequest
	shutdown chan struct{}
}

func newMockDialer(t *testing.T) *mockDialer {
	d := &mockDialer{
		dials:    make(chan *dialRequest, 16),
		shutdown: make(chan struct{}),
	}
	t.Cleanup(func() { close(d.shutdown) })
	return d
}

func (d *mockDialer) Dial(ctx context.Context, url string) (Transport, error) {
	req := &dialRequest{url: url, reply: make(chan dialReply, 1)}
	d.dials <- req

	select {
	case r := <-req.reply:
		return r.transport, r.err
	case <-d.shutdown:
		return nil, ErrClosed
	}
}

// next waits for the client to dial.
func (d *mockDialer) next(t *testing.T) *dialRequest {
	t.Helper()
	select {
	case req := <-d.dials:
		return req
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// assertNoDial fails if the client dials within a short window.
func (d *mockDialer) assertNoDial(t *testing.T) {
	t.Helper()
	select {
	case req := <-d.dials:
		t.Fatalf("unexpected dial to %s", req.url)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// recordingClock is a fake clock that remembers every AfterFunc delay.
type recordingClock struct {
	fakeClock

	mu     sync.Mutex
	delays []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{fakeClock: clockwork.NewFakeClock()}
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return c.fakeClock.AfterFunc(d, f)
}

func (c *recordingClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// waitScheduled waits until n timers have been scheduled and returns the
// last delay.
func (c *recordingClock) waitScheduled(t *testing.T, n int) time.Duration {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if delays := c.scheduled(); len(delays) >= n {
			return delays[n-1]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for reconnect timer %d", n)
	return 0
}

// stateRecorder collects published states.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func recordStates(src interface{ OnStateChange(func(State)) func() }) (*stateRecorder, func()) {
	r := &stateRecorder{ch: make(chan State, 100)}
	stop := src.OnStateChange(func(s State) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
		r.ch <- s
	})
	return r, stop
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

// waitFor consumes published states until want arrives.
func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s, saw %v", want, r.all())
		}
	}
}

// newTestClient builds a client wired to a mock dialer and recording clock.
func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *mockDialer, *recordingClock) {
	t.Helper()
	dialer := newMockDialer(t)
	clock := newRecordingClock()

	base := []ClientOption{
		WithDialer(dialer),
		WithClock(clock),
		WithReconnectPolicy(ReconnectPolicy{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		}),
	}
	c := NewClient("ws://host/broadcast", append(base, opts...)...)
	t.Cleanup(c.Close)
	return c, dialer, clock
}

// connectClient connects c and returns the accepted transport once the
// client reports StateConnected.
func connectClient(t *testing.T, c *Client, dialer *mockDialer) *mockTransport {
	t.Helper()
	rec, stop := recordStates(c)
	defer stop()

	c.Connect()
	tr := dialer.next(t).accept()
	rec.waitFor(t, StateConnected)
	return tr
}
