package broadcast

import (
	"sync"
	"sync/atomic"
)

type observer struct {
	fn      func(State)
	removed atomic.Bool
}

// notifier delivers state publications to observers in the order they were
// enqueued. Whichever goroutine finds the queue idle drains it; publications
// made while a drain is running (including from inside an observer) are
// delivered by that drain, so observers may call back into their owner.
type notifier struct {
	mu        sync.Mutex
	observers []*observer
	queue     []State
	draining  bool
}

// add registers fn and returns a func that revokes it. Revocation takes effect
// immediately, even for publications already queued.
func (n *notifier) add(fn func(State)) func() {
	o := &observer{fn: fn}
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()

	return func() {
		if !o.removed.CompareAndSwap(false, true) {
			return
		}
		n.mu.Lock()
		for i, cur := range n.observers {
			if cur == o {
				n.observers = append(n.observers[:i:i], n.observers[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
	}
}

// enqueue records a publication without delivering it.
func (n *notifier) enqueue(s State) {
	n.mu.Lock()
	n.queue = append(n.queue, s)
	n.mu.Unlock()
}

// reset revokes every observer and discards pending publications.
func (n *notifier) reset() {
	n.mu.Lock()
	for _, o := range n.observers {
		o.removed.Store(true)
	}
	n.observers = nil
	n.queue = nil
	n.mu.Unlock()
}

// drain delivers queued publications unless another drain is in progress.
func (n *notifier) drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true

	for len(n.queue) > 0 {
		s := n.queue[0]
		n.queue = n.queue[1:]
		snapshot := make([]*observer, len(n.observers))
		copy(snapshot, n.observers)
		n.mu.Unlock()

		for _, o := range snapshot {
			if o.removed.Load() {
				continue
			}
			o.fn(s)
		}

		n.mu.Lock()
	}

	n.draining = false
	n.mu.Unlock()
}
