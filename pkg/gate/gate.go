// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package gate provides the readiness gate used to pause a connection's read
// loop under backpressure. It is a single-slot notification primitive: at most
// one goroutine waits on it per connection, a setter releases that waiter at
// most once per clear, and a full broadcast mechanism is deliberately avoided.
package gate

import (
	"context"
	"sync"
)

// Gate is a binary readiness signal. A new Gate is open.
type Gate struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

// New returns an open gate.
func New() *Gate {
	return &Gate{ready: true}
}

// Clear closes the gate. Subsequent Wait calls block until Set.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
}

// Set opens the gate and releases the waiter, if any.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = true
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

// Wait blocks until the gate is open or the context is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return nil
	}
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSet reports whether the gate is currently open.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}
