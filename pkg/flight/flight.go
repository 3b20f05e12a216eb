// Package flight coalesces concurrent work for the same key: at most one
// in-flight call per key, with every waiter observing the shared outcome.
//
// Unlike golang.org/x/sync/singleflight, a leader that gives up without a
// result hands leadership to one of its waiters instead of failing them all,
// and a waiter whose context ends detaches without disturbing the call.
package flight

import (
	"context"
	"sync"
)

// Gate tracks in-flight calls by key.
type Gate[T any] struct {
	mu       sync.Mutex
	inflight map[string]*call[T]
}

type call[T any] struct {
	gate *Gate[T]
	key  string

	done    chan struct{} // closed once val/err are set
	promote chan struct{} // carries at most one leadership token

	val       T
	err       error
	resolved  bool
	abandoned bool
	waiters   int
}

// Handle is a completion handle bound to one call. A leader must end its
// tenure with exactly one Resolve or Abandon; a follower calls Wait.
type Handle[T any] struct {
	c *call[T]
}

// NewGate returns an empty gate.
func NewGate[T any]() *Gate[T] {
	return &Gate[T]{inflight: make(map[string]*call[T])}
}

// Acquire installs an in-flight record for key, or joins the existing one.
// leader is true for the caller that installed the record.
func (g *Gate[T]) Acquire(key string) (h *Handle[T], leader bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.inflight[key]; ok {
		c.waiters++
		return &Handle[T]{c: c}, false
	}
	c := &call[T]{
		gate:    g,
		key:     key,
		done:    make(chan struct{}),
		promote: make(chan struct{}, 1),
	}
	g.inflight[key] = c
	return &Handle[T]{c: c}, true
}

// Len reports the number of in-flight records.
func (g *Gate[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Resolve publishes the outcome to every waiter and removes the record.
// Every waiter that acquired before this call observes (val, err).
func (h *Handle[T]) Resolve(val T, err error) {
	c := h.c
	g := c.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.resolved {
		return
	}
	c.val, c.err, c.resolved = val, err, true
	close(c.done)
	if g.inflight[c.key] == c {
		delete(g.inflight, c.key)
	}
}

// Abandon ends the leader's tenure without an outcome, promoting one waiter
// to leader. With no waiters the record is simply removed; a later Acquire
// for the key starts a fresh call.
func (h *Handle[T]) Abandon() {
	c := h.c
	g := c.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.resolved {
		return
	}
	c.abandoned = true
	if c.waiters == 0 {
		if g.inflight[c.key] == c {
			delete(g.inflight, c.key)
		}
		return
	}
	select {
	case c.promote <- struct{}{}:
	default:
	}
}

// Wait blocks until the call resolves, the caller is promoted to leader, or
// ctx ends. On promotion the caller owns the call and must Resolve or
// Abandon it. A context cancellation detaches this waiter only; the call
// continues for the others.
func (h *Handle[T]) Wait(ctx context.Context) (val T, err error, promoted bool) {
	c := h.c
	select {
	case <-c.done:
		h.detach()
		return c.val, c.err, false
	case <-c.promote:
		// the promoted caller leaves the waiters but now leads the call, so
		// the record stays installed for its tenure
		g := c.gate
		g.mu.Lock()
		c.waiters--
		c.abandoned = false
		g.mu.Unlock()
		return val, nil, true
	case <-ctx.Done():
		h.detach()
		var zero T
		return zero, ctx.Err(), false
	}
}

// detach drops this waiter. The last waiter leaving an abandoned, unresolved
// call discards it so the key does not stay blocked forever.
func (h *Handle[T]) detach() {
	c := h.c
	g := c.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	c.waiters--
	if c.abandoned && !c.resolved && c.waiters == 0 {
		select {
		case <-c.promote:
		default:
		}
		if g.inflight[c.key] == c {
			delete(g.inflight, c.key)
		}
	}
}
