// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgewire/wireline/pkg/handler"
	"github.com/edgewire/wireline/pkg/wire"
)

// sink collects the events an adapter sends toward the engine.
type sink struct {
	mu     sync.Mutex
	events []Event
}

func (s *sink) send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// waitFor polls until cond is satisfied over the collected events.
func (s *sink) waitFor(t *testing.T, desc string, cond func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		evs := s.snapshot()
		if cond(evs) {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; events: %#v", desc, s.snapshot())
	return nil
}

func hasResponseEnd(evs []Event) bool {
	for _, ev := range evs {
		if _, ok := ev.(ResponseEnd); ok {
			return true
		}
	}
	return false
}

func responseStatus(evs []Event) (int, bool) {
	for _, ev := range evs {
		if r, ok := ev.(Response); ok {
			return r.StatusCode, true
		}
	}
	return 0, false
}

// appFunc adapts a function to handler.Handler for HTTP tests.
type appFunc func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error

func (f appFunc) ServeHTTP(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
	return f(ctx, scope, req, resp)
}

func (f appFunc) ServeWebSocket(ctx context.Context, scope *handler.Scope, conn handler.MessageConn) error {
	return fmt.Errorf("not a websocket handler")
}

func newHTTPFixture(t *testing.T, app handler.Handler) (*HTTPStream, *sink) {
	t.Helper()
	s := &sink{}
	scope := &handler.Scope{SessionID: "test", Protocol: "http", Method: "POST", Path: "/"}
	return NewHTTPStream(context.Background(), scope, app, s.send, nil), s
}

func TestHTTPStreamEcho(t *testing.T) {
	app := appFunc(func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
		var body []byte
		for {
			chunk, err := req.Next(ctx)
			if err != nil {
				return err
			}
			body = append(body, chunk.Data...)
			if !chunk.More {
				break
			}
		}
		if err := resp.Start(ctx, 200, []wire.Field{{Name: "content-length", Value: fmt.Sprint(len(body))}}); err != nil {
			return err
		}
		if err := resp.Write(ctx, body); err != nil {
			return err
		}
		return resp.End(ctx)
	})

	strm, s := newHTTPFixture(t, app)
	ctx := context.Background()
	strm.Handle(ctx, Request{Method: "POST", Path: "/"})
	strm.Handle(ctx, Body{Data: []byte("pay")})
	strm.Handle(ctx, Body{Data: []byte("load")})
	strm.Handle(ctx, EndBody{})

	evs := s.waitFor(t, "completed response", hasResponseEnd)

	if status, ok := responseStatus(evs); !ok || status != 200 {
		t.Errorf("status = %d, %v", status, ok)
	}
	var body []byte
	for _, ev := range evs {
		if b, ok := ev.(ResponseBody); ok {
			body = append(body, b.Data...)
		}
	}
	if string(body) != "payload" {
		t.Errorf("body = %q, want payload", body)
	}
}

func TestHTTPStreamAppFailureBeforeResponse(t *testing.T) {
	app := appFunc(func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
		return fmt.Errorf("boom")
	})

	strm, s := newHTTPFixture(t, app)
	strm.Handle(context.Background(), Request{Method: "GET", Path: "/"})

	evs := s.waitFor(t, "500 response", hasResponseEnd)
	if status, ok := responseStatus(evs); !ok || status != 500 {
		t.Errorf("status = %d, %v, want 500", status, ok)
	}
}

func TestHTTPStreamPanicBecomes500(t *testing.T) {
	app := appFunc(func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
		panic("unexpected")
	})

	strm, s := newHTTPFixture(t, app)
	strm.Handle(context.Background(), Request{Method: "GET", Path: "/"})

	evs := s.waitFor(t, "500 response", hasResponseEnd)
	if status, ok := responseStatus(evs); !ok || status != 500 {
		t.Errorf("status = %d, %v, want 500", status, ok)
	}
}

func TestHTTPStreamAbandonedResponseTearsDown(t *testing.T) {
	app := appFunc(func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
		// Start a response but never finish it.
		return resp.Start(ctx, 200, []wire.Field{{Name: "content-length", Value: "100"}})
	})

	strm, s := newHTTPFixture(t, app)
	strm.Handle(context.Background(), Request{Method: "GET", Path: "/"})

	s.waitFor(t, "stream teardown request", func(evs []Event) bool {
		for _, ev := range evs {
			if _, ok := ev.(StreamClosed); ok {
				return true
			}
		}
		return false
	})
}

func TestHTTPStreamResponderWithoutBodyDrain(t *testing.T) {
	// The app responds without ever reading the body; teardown must still
	// release it.
	app := appFunc(func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
		if err := resp.Start(ctx, 204, nil); err != nil {
			return err
		}
		return resp.End(ctx)
	})

	strm, s := newHTTPFixture(t, app)
	ctx := context.Background()
	strm.Handle(ctx, Request{Method: "POST", Path: "/"})

	evs := s.waitFor(t, "204 response", hasResponseEnd)
	if status, _ := responseStatus(evs); status != 204 {
		t.Errorf("status = %d, want 204", status)
	}

	// Late body chunks delivered after teardown must not block.
	strm.Handle(ctx, StreamClosed{})
	done := make(chan struct{})
	go func() {
		strm.Handle(ctx, Body{Data: []byte("late")})
		strm.Handle(ctx, EndBody{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("body delivery blocked after stream teardown")
	}
}

func TestHTTPStreamDoubleStartRejected(t *testing.T) {
	errCh := make(chan error, 1)
	app := appFunc(func(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
		if err := resp.Start(ctx, 200, []wire.Field{{Name: "content-length", Value: "0"}}); err != nil {
			return err
		}
		errCh <- resp.Start(ctx, 200, nil)
		return resp.End(ctx)
	})

	strm, s := newHTTPFixture(t, app)
	strm.Handle(context.Background(), Request{Method: "GET", Path: "/"})
	s.waitFor(t, "completed response", hasResponseEnd)

	if err := <-errCh; err == nil {
		t.Error("second Start should fail")
	}
}
