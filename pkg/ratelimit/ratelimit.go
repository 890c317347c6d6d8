// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-host connection admission using a token
// bucket algorithm.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding at most capacity tokens, refilled
// at refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token. Returns false when the bucket is empty.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter gates new connections per remote host. Each host gets its own
// token bucket, created on first sight.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxHosts   int
	cleanup    *time.Timer
}

// NewLimiter creates a limiter tracking up to maxHosts remote hosts. Hosts
// beyond the cap are refused until the periodic cleanup makes room.
func NewLimiter(capacity, refillRate int64, maxHosts int) *Limiter {
	if maxHosts == 0 {
		maxHosts = 10000
	}

	l := &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxHosts:   maxHosts,
	}

	l.cleanup = time.AfterFunc(5*time.Minute, l.reap)

	return l
}

// Allow reports whether a new connection from host should be admitted.
func (l *Limiter) Allow(host string) bool {
	l.mu.RLock()
	tb, exists := l.buckets[host]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.buckets[host]
		if !exists {
			if len(l.buckets) >= l.maxHosts {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[host] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove drops the bucket for a host.
func (l *Limiter) Remove(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, host)
}

// reap bounds the bucket map to prevent unbounded growth.
func (l *Limiter) reap() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) > l.maxHosts*2 {
		count := 0
		kept := make(map[string]*TokenBucket)

		for k, v := range l.buckets {
			if count >= l.maxHosts {
				break
			}
			kept[k] = v
			count++
		}

		l.buckets = kept
	}

	l.cleanup = time.AfterFunc(5*time.Minute, l.reap)
}

// Hosts returns the number of tracked hosts.
func (l *Limiter) Hosts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	if l.cleanup != nil {
		l.cleanup.Stop()
	}
}
