package broadcast

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscriber is what downstream consumers, such as a cache that invalidates
// entries on change notifications, need from a broadcast source. Both
// *Client and *Scope implement it.
type Subscriber interface {
	Subscribe(channel string, handler Handler) func()
	State() State
}

var (
	_ Subscriber = (*Client)(nil)
	_ Subscriber = (*Scope)(nil)
)

type scopeSub struct {
	channel string
	handler Handler

	// guarded by Scope.mu
	elem  *list.Element
	unsub func()
}

// Scope binds exactly one Client to an owner's lifetime and a URL.
// Consumers subscribe, emit and watch state through the scope without
// knowing which client or URL is behind it; subscriptions survive a rebind.
// Once torn down a scope never delivers another notification.
type Scope struct {
	opts   []ClientOption
	logger *slog.Logger
	notify notifier

	generation atomic.Uint64
	torn       atomic.Bool
	state      atomic.Int32

	mu        sync.Mutex
	url       string
	client    *Client
	unobserve func()
	subs      *list.List
}

// NewScope creates an inactive scope. Clients it creates use opts.
func NewScope(opts ...ClientOption) *Scope {
	s := &Scope{
		opts:   opts,
		logger: newClientConfig(opts).logger,
		subs:   list.New(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Bind activates the scope for url, or rebinds it when url differs from the
// current one. The previous client is closed, its reconnect timer included,
// before the new client is created. Binding the current URL again, or
// binding a torn down scope, does nothing.
func (s *Scope) Bind(url string) {
	s.mu.Lock()
	if s.torn.Load() || (s.client != nil && s.url == url) {
		s.mu.Unlock()
		return
	}

	if s.client != nil {
		s.logger.Info("rebinding broadcast scope", slog.String("from", s.url), slog.String("to", url))
		s.unobserve()
		s.client.Close()
		s.client, s.unobserve = nil, nil
	}

	gen := s.generation.Add(1)
	client := NewClient(url, s.opts...)
	s.unobserve = client.OnStateChange(func(st State) { s.relay(gen, st) })
	for e := s.subs.Front(); e != nil; e = e.Next() {
		sub := e.Value.(*scopeSub)
		sub.unsub = client.Subscribe(sub.channel, sub.handler)
	}
	s.client, s.url = client, url
	s.mu.Unlock()

	client.Connect()
}

// relay republishes a client state change to the scope's observers if the
// client still belongs to the live generation.
func (s *Scope) relay(gen uint64, st State) {
	if s.torn.Load() || s.generation.Load() != gen {
		return
	}
	s.state.Store(int32(st))
	s.notify.enqueue(st)
	s.notify.drain()
}

// Teardown closes the client and revokes every observer. No notification
// reaches an observer after Teardown returns, even from transport callbacks
// still in flight. It is safe to call more than once.
func (s *Scope) Teardown() {
	s.mu.Lock()
	if !s.torn.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.generation.Add(1)
	s.notify.reset()

	client, unobserve := s.client, s.unobserve
	s.client, s.unobserve = nil, nil
	s.subs.Init()
	s.state.Store(int32(StateClosed))
	s.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	if client != nil {
		client.Close()
	}
	s.logger.Debug("broadcast scope torn down")
}

// State returns the bound client's last published state. It is
// StateConnecting before the first Bind and StateClosed after Teardown.
func (s *Scope) State() State {
	return State(s.state.Load())
}

// URL returns the URL the scope is bound to.
func (s *Scope) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// OnStateChange registers fn for state changes of whichever client the
// scope is bound to.
func (s *Scope) OnStateChange(fn func(State)) func() {
	if s.torn.Load() {
		return func() {}
	}
	return s.notify.add(fn)
}

// Subscribe registers handler on channel for the lifetime of the scope,
// across rebinds. The returned func is idempotent.
func (s *Scope) Subscribe(channel string, handler Handler) func() {
	sub := &scopeSub{channel: channel, handler: handler}

	s.mu.Lock()
	if s.torn.Load() {
		s.mu.Unlock()
		return func() {}
	}
	sub.elem = s.subs.PushBack(sub)
	client, gen := s.client, s.generation.Load()
	s.mu.Unlock()

	if client != nil {
		// Subscribing may write to the transport, so it runs unlocked.
		unsub := client.Subscribe(channel, handler)

		s.mu.Lock()
		if sub.elem != nil && s.generation.Load() == gen {
			sub.unsub = unsub
			unsub = nil
		}
		s.mu.Unlock()

		if unsub != nil {
			unsub()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if sub.elem != nil {
				s.subs.Remove(sub.elem)
				sub.elem = nil
			}
			unsub := sub.unsub
			sub.unsub = nil
			s.mu.Unlock()

			if unsub != nil {
				unsub()
			}
		})
	}
}

// Emit sends payload through the bound client. Without a client it does
// nothing.
func (s *Scope) Emit(payload any) {
	if client := s.current(); client != nil {
		client.Emit(payload)
	}
}

// Publish sends an event envelope through the bound client.
func (s *Scope) Publish(channel, event string, payload any) {
	if client := s.current(); client != nil {
		client.Publish(channel, event, payload)
	}
}

func (s *Scope) current() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Handle is a scoped acquisition of a bound Scope. Release must be called
// exactly once on every exit path; extra calls are ignored.
type Handle struct {
	scope *Scope
	once  sync.Once
}

// Attach creates a scope bound to url.
//
//	h := broadcast.Attach(url)
//	defer h.Release()
func Attach(url string, opts ...ClientOption) *Handle {
	s := NewScope(opts...)
	s.Bind(url)
	return &Handle{scope: s}
}

// Scope returns the attached scope.
func (h *Handle) Scope() *Scope {
	return h.scope
}

// Release tears the scope down.
func (h *Handle) Release() {
	h.once.Do(h.scope.Teardown)
}
