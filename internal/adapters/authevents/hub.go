// Package authevents fans identity provider notifications out to listeners.
package authevents

import (
	"sync"

	domainauth "github.com/target/stockroom/internal/domain/auth"
)

// Hub delivers emitted events to every registered listener in emit order.
// Delivery runs on the hub's own goroutine so Emit never blocks on a listener
// and a listener may call back into the provider that emitted.
type Hub struct {
	mu        sync.Mutex
	seq       int
	listeners map[int]func(domainauth.AuthEvent)
	pending   []domainauth.AuthEvent
	closed    bool

	wake chan struct{}
	done chan struct{}
	idle *sync.Cond
	busy bool
}

// NewHub starts a hub. Call Close to stop its delivery goroutine.
func NewHub() *Hub {
	h := &Hub{
		listeners: make(map[int]func(domainauth.AuthEvent)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.idle = sync.NewCond(&h.mu)
	go h.run()
	return h
}

// Listen registers fn and returns a function that removes it.
func (h *Hub) Listen(fn func(domainauth.AuthEvent)) func() {
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Emit queues ev for delivery. Events emitted after Close are dropped.
func (h *Hub) Emit(ev domainauth.AuthEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, ev)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every event queued so far has been delivered.
func (h *Hub) Flush() {
	h.mu.Lock()
	for (len(h.pending) > 0 || h.busy) && !h.closed {
		h.idle.Wait()
	}
	h.mu.Unlock()
}

// Close stops delivery. Queued events that were not delivered are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.pending = nil
	h.idle.Broadcast()
	h.mu.Unlock()
	close(h.done)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}
		for h.deliverNext() {
		}
	}
}

func (h *Hub) deliverNext() bool {
	h.mu.Lock()
	if h.closed || len(h.pending) == 0 {
		h.busy = false
		h.idle.Broadcast()
		h.mu.Unlock()
		return false
	}
	ev := h.pending[0]
	h.pending = h.pending[1:]
	h.busy = true
	fns := make([]func(domainauth.AuthEvent), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return true
}
