// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package bufpool provides reusable read buffers for connection loops.
package bufpool

import (
	"sync"
)

// DefaultBufferSize is the size of pooled buffers when none is given.
const DefaultBufferSize = 32 * 1024

// Pool hands out fixed-size byte slices and recycles them across
// connections to keep read loops off the allocator.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of the pool's configured size.
func (p *Pool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped,
// keeping the pool homogeneous.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Size returns the configured buffer size.
func (p *Pool) Size() int {
	return p.size
}
