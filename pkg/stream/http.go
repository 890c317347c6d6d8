// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edgewire/wireline/pkg/errors"
	"github.com/edgewire/wireline/pkg/handler"
	"github.com/edgewire/wireline/pkg/wire"
)

// HTTPStream bridges one HTTP request/response cycle to the hosted
// application. It receives exactly one Request, zero or more Body events,
// exactly one EndBody, and exactly one terminal StreamClosed.
type HTTPStream struct {
	scope  *handler.Scope
	app    handler.Handler
	send   SendFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool // response head (>= 200) sent
	ended     bool // ResponseEnd sent
	closed    bool
	done      chan struct{}
	bodyQueue chan handler.BodyChunk
}

var _ Adapter = (*HTTPStream)(nil)

// NewHTTPStream creates the adapter for one request cycle. ctx bounds the
// application invocation and is the connection's context.
func NewHTTPStream(ctx context.Context, scope *handler.Scope, app handler.Handler, send SendFunc, logger *slog.Logger) *HTTPStream {
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(ctx)
	return &HTTPStream{
		scope:     scope,
		app:       app,
		send:      send,
		logger:    logger,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		bodyQueue: make(chan handler.BodyChunk, 1),
	}
}

// Handle processes one incoming stream event.
func (s *HTTPStream) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case Request:
		go s.run()
	case Body:
		s.deliver(handler.BodyChunk{Data: ev.Data, More: true})
	case EndBody:
		s.deliver(handler.BodyChunk{More: false})
	case StreamClosed:
		s.close()
	}
	return nil
}

// deliver hands a body chunk to the application, dropping it if the stream
// has been torn down or the application already finished.
func (s *HTTPStream) deliver(chunk handler.BodyChunk) {
	select {
	case s.bodyQueue <- chunk:
	case <-s.done:
	}
}

func (s *HTTPStream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.cancel()
}

// run invokes the hosted application and maps its completion onto the wire:
// a clean completed response recycles the connection, a failure before any
// response bytes produces a 500, and a failure after maps to an abrupt close.
func (s *HTTPStream) run() {
	err := s.invoke()

	s.mu.Lock()
	started, ended := s.started, s.ended
	s.mu.Unlock()

	switch {
	case ended:
		// Response completed; ResponseEnd already triggered the recycle.
	case !started:
		if err != nil {
			s.logger.Error("application error",
				slog.String("session", s.scope.SessionID),
				slog.String("path", s.scope.Path),
				slog.String("error", err.Error()))
		}
		resp := Response{StatusCode: 500, Headers: []wire.Field{{Name: "content-length", Value: "0"}}}
		if sendErr := s.send(s.ctx, resp); sendErr == nil {
			s.send(s.ctx, ResponseEnd{})
		}
	default:
		// Response started but never completed. Nothing safe to send; ask
		// the engine to tear the connection down.
		if err != nil {
			s.logger.Error("application error after response started",
				slog.String("session", s.scope.SessionID),
				slog.String("error", err.Error()))
		}
		s.send(s.ctx, StreamClosed{})
	}
}

func (s *HTTPStream) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errors.ErrStreamClosed, "application panic")
			s.logger.Error("application panic",
				slog.String("session", s.scope.SessionID),
				slog.Any("panic", r))
		}
	}()
	return s.app.ServeHTTP(s.ctx, s.scope, (*httpRequestStream)(s), (*httpResponseStream)(s))
}

// httpRequestStream is the application's read side of the request body.
type httpRequestStream HTTPStream

func (r *httpRequestStream) Next(ctx context.Context) (handler.BodyChunk, error) {
	select {
	case chunk := <-r.bodyQueue:
		return chunk, nil
	case <-r.done:
		return handler.BodyChunk{}, errors.ErrStreamClosed
	case <-ctx.Done():
		return handler.BodyChunk{}, ctx.Err()
	}
}

// httpResponseStream is the application's write side of the response.
type httpResponseStream HTTPStream

func (w *httpResponseStream) Start(ctx context.Context, status int, headers []wire.Field) error {
	w.mu.Lock()
	if w.closed || w.ended {
		w.mu.Unlock()
		return errors.ErrStreamClosed
	}
	if w.started && status >= 200 {
		w.mu.Unlock()
		return errors.Wrap(errors.ErrLocalProtocolError, "response already started")
	}
	if status >= 200 {
		w.started = true
	}
	w.mu.Unlock()
	return w.send(ctx, Response{StatusCode: status, Headers: headers})
}

func (w *httpResponseStream) Write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	if w.closed || w.ended {
		w.mu.Unlock()
		return errors.ErrStreamClosed
	}
	if !w.started {
		w.mu.Unlock()
		return errors.Wrap(errors.ErrLocalProtocolError, "response body before response head")
	}
	w.mu.Unlock()
	return w.send(ctx, ResponseBody{Data: data})
}

func (w *httpResponseStream) End(ctx context.Context) error {
	w.mu.Lock()
	if w.closed || w.ended {
		w.mu.Unlock()
		return errors.ErrStreamClosed
	}
	if !w.started {
		w.mu.Unlock()
		return errors.Wrap(errors.ErrLocalProtocolError, "response end before response head")
	}
	w.ended = true
	w.mu.Unlock()
	return w.send(ctx, ResponseEnd{})
}
