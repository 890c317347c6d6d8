// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/edgewire/wireline/pkg/errors"
	"github.com/edgewire/wireline/pkg/handler"
	"github.com/edgewire/wireline/pkg/metrics"
	"github.com/edgewire/wireline/pkg/wire"
	"github.com/edgewire/wireline/pkg/ws"
)

// WSStream bridges an upgraded WebSocket connection to the hosted
// application for the remainder of the connection's lifetime. Incoming bytes
// arrive as RawData pass-through events; a concurrent application task
// produces accept/data/close operations.
type WSStream struct {
	scope      *handler.Scope
	app        handler.Handler
	send       SendFunc
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxMessage int

	ctx    context.Context
	cancel context.CancelFunc

	appQueue chan handler.Message

	mu       sync.Mutex
	conn     *ws.Conn
	buffer   *ws.MessageBuffer
	accepted bool
	closed   bool
	done     chan struct{}
}

var _ Adapter = (*WSStream)(nil)

// NewWSStream creates the adapter for an upgraded connection. maxMessage
// bounds the aggregate size of a single assembled message. m may be nil.
func NewWSStream(ctx context.Context, scope *handler.Scope, app handler.Handler, send SendFunc, maxMessage int, m *metrics.Metrics, logger *slog.Logger) *WSStream {
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(ctx)
	return &WSStream{
		scope:      scope,
		app:        app,
		send:       send,
		logger:     logger,
		metrics:    m,
		maxMessage: maxMessage,
		ctx:        sctx,
		cancel:     cancel,
		appQueue:   make(chan handler.Message, 10),
		conn:       ws.NewConn(maxMessage),
		buffer:     ws.NewMessageBuffer(maxMessage),
		done:       make(chan struct{}),
	}
}

// Handle processes one incoming stream event.
func (s *WSStream) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case Request:
		return s.handleUpgrade(ctx, ev)
	case RawData:
		return s.pump(ctx, ev.Data)
	case StreamClosed:
		s.close()
	}
	return nil
}

// handleUpgrade replays the already-parsed upgrade request through the
// WebSocket handshake machinery, so this entry path reaches the same state as
// a handshake read directly off the wire.
func (s *WSStream) handleUpgrade(ctx context.Context, ev Request) error {
	req := wire.Request{
		Method:      ev.Method,
		Target:      ev.Path,
		HTTPVersion: ev.HTTPVersion,
		Headers:     ev.Headers,
	}

	s.mu.Lock()
	s.conn.Receive(wire.EncodeRequest(req))
	wsEv, err := s.conn.NextEvent()
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("websocket handshake rejected",
			slog.String("session", s.scope.SessionID),
			slog.String("error", err.Error()))
		return s.sendHTTPError(ctx, 400)
	}
	if _, ok := wsEv.(ws.Request); !ok {
		return s.sendHTTPError(ctx, 400)
	}

	go s.run()
	return nil
}

// pump feeds pass-through bytes to the frame decoder. Frames arriving before
// the application accepted the handshake stay buffered.
func (s *WSStream) pump(ctx context.Context, data []byte) error {
	s.mu.Lock()
	s.conn.Receive(data)
	accepted := s.accepted
	s.mu.Unlock()

	if !accepted {
		return nil
	}
	return s.drainFrames(ctx)
}

// drainFrames decodes buffered frames, assembling data frames into messages
// and answering control frames.
func (s *WSStream) drainFrames(ctx context.Context) error {
	for {
		s.mu.Lock()
		ev, err := s.conn.NextEvent()
		if err != nil {
			code := ws.CloseProtocolError
			reason := "websocket protocol error"
			if errors.Is(err, errors.ErrFrameTooLarge) {
				code = ws.CloseTooBig
				reason = "websocket message too large"
			}
			out := s.sendCloseLocked(code)
			s.mu.Unlock()
			s.logger.Debug(reason,
				slog.String("session", s.scope.SessionID),
				slog.String("error", err.Error()))
			s.finish(ctx, out)
			return nil
		}
		if ev == nil {
			s.mu.Unlock()
			return nil
		}

		switch ev := ev.(type) {
		case ws.Data:
			if err := s.buffer.Extend(ev); err != nil {
				out := s.sendCloseLocked(ws.CloseTooBig)
				s.mu.Unlock()
				s.logger.Debug("websocket message too large",
					slog.String("session", s.scope.SessionID),
					slog.Int("limit", s.maxMessage))
				s.finish(ctx, out)
				return nil
			}
			if !ev.Final {
				s.mu.Unlock()
				continue
			}
			msg := s.buffer.ToMessage()
			s.buffer.Clear()
			s.mu.Unlock()
			s.deliver(handler.Message{Data: msg.Data, Binary: msg.Binary})

		case ws.Ping:
			s.conn.SendPong(ev.Payload)
			out := s.conn.BytesToSend()
			s.mu.Unlock()
			if len(out) > 0 {
				s.send(ctx, RawData{Data: out})
			}

		case ws.Close:
			code := ev.Code
			if code == ws.CloseNoStatus {
				code = ws.CloseNormal
			}
			out := s.sendCloseLocked(code)
			s.mu.Unlock()
			s.finish(ctx, out)
			return nil

		default:
			s.mu.Unlock()
		}
	}
}

// deliver queues a complete message for the application.
func (s *WSStream) deliver(msg handler.Message) {
	if s.metrics != nil {
		s.metrics.WebSocketMessages.WithLabelValues("in").Inc()
	}
	select {
	case s.appQueue <- msg:
	case <-s.done:
	}
}

// sendCloseLocked queues a close frame, counting the close code the first
// time one is sent. Caller holds mu; the queued bytes are returned.
func (s *WSStream) sendCloseLocked(code int) []byte {
	if !s.conn.CloseSent() && s.metrics != nil {
		s.metrics.WebSocketClosed.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	s.conn.SendClose(code, "")
	return s.conn.BytesToSend()
}

// finish flushes any final wire bytes and asks the engine to tear the
// connection down.
func (s *WSStream) finish(ctx context.Context, out []byte) {
	if len(out) > 0 {
		s.send(ctx, RawData{Data: out})
	}
	s.close()
	s.send(ctx, StreamClosed{})
}

func (s *WSStream) close() {
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

func (s *WSStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *WSStream) sendHTTPError(ctx context.Context, status int) error {
	resp := Response{StatusCode: status, Headers: []wire.Field{
		{Name: "content-length", Value: "0"},
		{Name: "connection", Value: "close"},
	}}
	if err := s.send(ctx, resp); err != nil {
		return err
	}
	return s.send(ctx, ResponseEnd{})
}

// run invokes the hosted application for the connection's lifetime.
func (s *WSStream) run() {
	err := s.invoke()

	s.mu.Lock()
	accepted := s.accepted
	s.mu.Unlock()

	if s.isClosed() {
		return
	}

	if !accepted {
		// The application declined (or failed) without accepting the
		// handshake: answer with a plain HTTP response.
		status := 403
		if err != nil {
			status = 500
			s.logger.Error("websocket application error",
				slog.String("session", s.scope.SessionID),
				slog.String("error", err.Error()))
		}
		s.sendHTTPError(s.ctx, status)
		return
	}

	// The application returned without closing; perform the closing
	// handshake ourselves.
	s.mu.Lock()
	out := s.sendCloseLocked(ws.CloseNormal)
	s.mu.Unlock()
	s.finish(s.ctx, out)
}

func (s *WSStream) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errors.ErrStreamClosed, "application panic")
			s.logger.Error("application panic",
				slog.String("session", s.scope.SessionID),
				slog.Any("panic", r))
		}
	}()
	return s.app.ServeWebSocket(s.ctx, s.scope, (*wsMessageConn)(s))
}

// wsMessageConn is the application's view of the connection.
type wsMessageConn WSStream

func (c *wsMessageConn) Accept(ctx context.Context, headers []wire.Field) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrStreamClosed
	}
	if c.accepted {
		c.mu.Unlock()
		return nil
	}
	if err := c.conn.Accept(headers); err != nil {
		c.mu.Unlock()
		return err
	}
	c.accepted = true
	out := c.conn.BytesToSend()
	c.mu.Unlock()

	if err := c.send(ctx, RawData{Data: out}); err != nil {
		return err
	}
	// Frames the peer sent ahead of the accept are now decodable.
	return (*WSStream)(c).drainFrames(ctx)
}

func (c *wsMessageConn) Receive(ctx context.Context) (handler.Message, error) {
	// Prefer queued messages over a disconnect that raced in behind them.
	select {
	case msg := <-c.appQueue:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.appQueue:
		return msg, nil
	case <-c.done:
		return handler.Message{}, errors.ErrConnectionClosed
	case <-ctx.Done():
		return handler.Message{}, ctx.Err()
	}
}

func (c *wsMessageConn) Send(ctx context.Context, m handler.Message) error {
	opcode := ws.OpText
	if m.Binary {
		opcode = ws.OpBinary
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrStreamClosed
	}
	if !c.accepted {
		c.mu.Unlock()
		return errors.Wrap(errors.ErrLocalProtocolError, "send before handshake accept")
	}
	if err := c.conn.SendMessage(opcode, m.Data); err != nil {
		c.mu.Unlock()
		return err
	}
	out := c.conn.BytesToSend()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.WebSocketMessages.WithLabelValues("out").Inc()
	}
	return c.send(ctx, RawData{Data: out})
}

func (c *wsMessageConn) Close(ctx context.Context, code int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.accepted {
		c.mu.Unlock()
		return errors.Wrap(errors.ErrLocalProtocolError, "close before handshake accept")
	}
	out := (*WSStream)(c).sendCloseLocked(code)
	c.mu.Unlock()

	(*WSStream)(c).finish(ctx, out)
	return nil
}
