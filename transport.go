package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport is one open connection to a broadcast server.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send writes one encoded frame.
	Send(ctx context.Context, data []byte) error
	// Receive blocks for the next inbound event. A *MalformedMessageError
	// means the frame was unreadable but the connection is still usable; any
	// other error means the connection is gone.
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens a Transport to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// DialOptions configures the WebSocket connection.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// ReadLimit caps the size of an inbound frame. Defaults to 1MB.
	ReadLimit int64

	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration
}

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
)

// WebSocketDialer returns a Dialer backed by coder/websocket.
func WebSocketDialer(opts *DialOptions) Dialer {
	return DialerFunc(func(ctx context.Context, url string) (Transport, error) {
		return Dial(ctx, url, opts)
	})
}

// Dial connects to a broadcast server and returns a Transport.
func Dial(ctx context.Context, url string, opts *DialOptions) (Transport, error) {
	dialOpts := &websocket.DialOptions{}
	readLimit := int64(defaultReadLimit)
	writeTimeout := defaultWriteTimeout
	if opts != nil {
		if opts.HTTPHeader != nil {
			dialOpts.HTTPHeader = opts.HTTPHeader.Clone()
		}
		if opts.HTTPClient != nil {
			dialOpts.HTTPClient = opts.HTTPClient
		}
		if opts.ReadLimit > 0 {
			readLimit = opts.ReadLimit
		}
		if opts.WriteTimeout > 0 {
			writeTimeout = opts.WriteTimeout
		}
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: url, Err: err}
	}
	conn.SetReadLimit(readLimit)

	return &wsTransport{conn: conn, writeTimeout: writeTimeout}, nil
}

// wsTransport implements Transport over WebSocket.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Send writes a text frame.
func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Receive reads the next frame and decodes it as an Event.
func (t *wsTransport) Receive(ctx context.Context) (Event, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}
		return Event{}, &ConnectionError{Op: "read", Err: err}
	}

	return DecodeEvent(data)
}

// Close tears the connection down without waiting for the peer.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	return t.conn.CloseNow()
}
