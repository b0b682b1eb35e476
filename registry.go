package broadcast

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Handler receives events for the channel it was subscribed to.
type Handler func(Event)

type subscription struct {
	channel string
	handler Handler
	active  atomic.Bool

	// owner and elem are guarded by Registry.mu.
	owner *list.List
	elem  *list.Element
}

// Registry is a fan-out table from channel name to an ordered set of
// handlers. It is safe for concurrent use; handlers are invoked without any
// lock held so they may subscribe or unsubscribe freely.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*list.List
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*list.List),
	}
}

// Add registers handler on channel. The returned func removes exactly this
// registration and is safe to call more than once, including after Clear.
// first reports whether this is the channel's only handler.
func (r *Registry) Add(channel string, handler Handler) (remove func() (last bool), first bool) {
	sub := &subscription{channel: channel, handler: handler}
	sub.active.Store(true)

	r.mu.Lock()
	l, ok := r.channels[channel]
	if !ok {
		l = list.New()
		r.channels[channel] = l
	}
	sub.owner = l
	sub.elem = l.PushBack(sub)
	first = l.Len() == 1
	r.mu.Unlock()

	return func() bool { return r.remove(sub) }, first
}

// remove detaches sub and reports whether its channel has no handlers left.
func (r *Registry) remove(sub *subscription) bool {
	if !sub.active.CompareAndSwap(true, false) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.elem == nil {
		return false
	}
	sub.owner.Remove(sub.elem)
	sub.elem = nil

	if sub.owner.Len() > 0 || r.channels[sub.channel] != sub.owner {
		return false
	}
	delete(r.channels, sub.channel)
	return true
}

// Dispatch invokes every handler registered for event.Channel, in
// registration order. It iterates over a snapshot; a handler removed while
// the dispatch is running is skipped if it has not been called yet. It
// returns the number of handlers invoked.
func (r *Registry) Dispatch(event Event) int {
	r.mu.Lock()
	l, ok := r.channels[event.Channel]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	snapshot := make([]*subscription, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*subscription))
	}
	r.mu.Unlock()

	n := 0
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		sub.handler(event)
		n++
	}
	return n
}

// Channels returns the channels that currently have at least one handler.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		channels = append(channels, ch)
	}
	return channels
}

// Len returns the number of handlers registered for channel.
func (r *Registry) Len(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.channels[channel]; ok {
		return l.Len()
	}
	return 0
}

// Clear detaches every handler. Pending dispatches skip them.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.channels {
		for e := l.Front(); e != nil; e = e.Next() {
			sub := e.Value.(*subscription)
			sub.active.Store(false)
			sub.elem = nil
		}
	}
	r.channels = make(map[string]*list.List)
}
