// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"testing"
	"time"
)

func TestWaitOnOpenGate(t *testing.T) {
	g := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait() on open gate returned error: %v", err)
	}
}

func TestClearBlocksUntilSet(t *testing.T) {
	g := New()
	g.Clear()

	if g.IsSet() {
		t.Fatal("gate should be closed after Clear()")
	}

	released := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		released <- g.Wait(ctx)
	}()

	select {
	case err := <-released:
		t.Fatalf("Wait() returned before Set(): %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.Set()

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Wait() returned error after Set(): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() not released by Set()")
	}
}

func TestWaitContextCancellation(t *testing.T) {
	g := New()
	g.Clear()

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() {
		released <- g.Wait(ctx)
	}()

	cancel()

	select {
	case err := <-released:
		if err != context.Canceled {
			t.Fatalf("Wait() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() not released by cancellation")
	}
}

func TestSetIsIdempotent(t *testing.T) {
	g := New()
	g.Clear()
	g.Set()
	g.Set()

	if !g.IsSet() {
		t.Fatal("gate should be open after Set()")
	}
}
