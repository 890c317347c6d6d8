// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/x509"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/edgewire/wireline/pkg/events"
	"github.com/edgewire/wireline/pkg/gate"
	"github.com/edgewire/wireline/pkg/handler"
	"github.com/edgewire/wireline/pkg/metrics"
	"github.com/edgewire/wireline/pkg/stream"
	"github.com/edgewire/wireline/pkg/wire"
)

// Config holds per-connection engine configuration.
type Config struct {
	// MaxIncompleteSize bounds an incomplete HTTP message head.
	MaxIncompleteSize int

	// MaxMessageSize bounds an assembled WebSocket message.
	MaxMessageSize int

	// ServerHeader is the identity token injected into every response.
	ServerHeader string

	// SessionID identifies the connection in logs and scopes.
	SessionID string

	// Client and Server are the remote and local addresses.
	Client string
	Server string

	// TLS indicates an encrypted transport.
	TLS bool

	// Cert is the client certificate when using mTLS.
	Cert *x509.Certificate

	// Logger for engine events.
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// SendFunc delivers engine output to the transport.
type SendFunc func(ctx context.Context, ev events.Event) error

// Engine is the protocol engine for a single accepted connection.
type Engine struct {
	cfg  Config
	app  handler.Handler
	send SendFunc
	gate *gate.Gate

	// baseCtx bounds spawned application tasks to the connection lifetime.
	baseCtx context.Context

	// drainMu serializes draining passes; mu guards parser and stream state.
	// drainAgain is raised when a recycle happened while another goroutine
	// held drainMu, so the holder re-drains before releasing.
	drainMu    sync.Mutex
	drainAgain atomic.Bool
	mu         sync.Mutex

	parser     Framing
	httpParser *wire.Parser
	strm       stream.Adapter
	upgraded   bool
}

// New creates an engine for a freshly accepted connection. ctx is the
// connection's context and bounds hosted application tasks.
func New(ctx context.Context, cfg Config, app handler.Handler, send SendFunc) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServerHeader == "" {
		cfg.ServerHeader = "wireline"
	}
	p := wire.NewParser(cfg.MaxIncompleteSize)
	return &Engine{
		cfg:        cfg,
		app:        app,
		send:       send,
		gate:       gate.New(),
		baseCtx:    ctx,
		parser:     p,
		httpParser: p,
	}
}

// Gate returns the readiness gate. The transport's read loop must wait on it
// before each read.
func (e *Engine) Gate() *gate.Gate {
	return e.gate
}

// Handle processes one transport event: raw bytes, or the closed signal.
func (e *Engine) Handle(ctx context.Context, ev events.Event) error {
	switch ev := ev.(type) {
	case events.RawData:
		e.mu.Lock()
		e.parser.Receive(ev.Data)
		e.mu.Unlock()
		return e.drain(ctx)

	case events.Closed:
		e.mu.Lock()
		e.parser.CloseReceived()
		strm := e.strm
		e.strm = nil
		e.mu.Unlock()
		if strm != nil {
			strm.Handle(ctx, stream.StreamClosed{})
		}
		e.gate.Set()
		return nil
	}
	return nil
}

// drain pulls framing events until the parser needs more data, pauses, or
// the connection dies. Serialized so pipelined cycles cannot interleave.
func (e *Engine) drain(ctx context.Context) error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	for {
		e.drainAgain.Store(false)
		err := e.drainLocked(ctx)
		if !e.drainAgain.Load() {
			return err
		}
	}
}

// tryDrain drains unless another goroutine already holds the drain lock, in
// which case the holder is flagged to make another pass before releasing.
// Needed because a recycle can happen on an application goroutine while the
// reader is mid-drain; blocking here would deadlock when the recycle was
// triggered from inside the drain loop itself.
func (e *Engine) tryDrain(ctx context.Context) {
	e.drainAgain.Store(true)
	for e.drainAgain.Load() {
		if !e.drainMu.TryLock() {
			return
		}
		e.drainAgain.Store(false)
		e.drainLocked(ctx)
		e.drainMu.Unlock()
	}
}

func (e *Engine) drainLocked(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.parser.TheyAreWaitingFor100Continue() {
			data, err := e.parser.Send(wire.InformationalResponse{
				StatusCode: 100,
				Headers:    wire.ResponseHeaders(e.cfg.ServerHeader),
			})
			if err == nil && len(data) > 0 {
				e.send(ctx, events.RawData{Data: data})
			}
		}

		ev, err := e.parser.NextEvent()
		if err != nil {
			e.mu.Unlock()
			return e.remoteProtocolError(ctx, err)
		}

		switch ev := ev.(type) {
		case wire.Request:
			strm, sev := e.createStreamLocked(ev)
			e.mu.Unlock()
			strm.Handle(ctx, sev)

		case wire.Data:
			strm, upgraded := e.strm, e.upgraded
			e.mu.Unlock()
			if strm == nil {
				continue
			}
			if upgraded {
				strm.Handle(ctx, stream.RawData{Data: ev.Chunk})
			} else {
				strm.Handle(ctx, stream.Body{Data: ev.Chunk})
			}

		case wire.EndOfMessage:
			strm := e.strm
			e.mu.Unlock()
			if strm != nil {
				strm.Handle(ctx, stream.EndBody{})
			}

		case wire.Paused:
			e.gate.Clear()
			e.mu.Unlock()
			return nil

		case wire.NeedMoreData, wire.ConnectionClosed:
			e.mu.Unlock()
			return nil

		default:
			e.mu.Unlock()
			return nil
		}
	}
}

// remoteProtocolError answers malformed bytes with exactly one 400 response
// and tears the connection down. Never retried.
func (e *Engine) remoteProtocolError(ctx context.Context, cause error) error {
	e.cfg.Logger.Debug("protocol violation",
		slog.String("session", e.cfg.SessionID),
		slog.String("remote", e.cfg.Client),
		slog.String("error", cause.Error()))
	if m := e.cfg.Metrics; m != nil {
		m.ProtocolErrors.Inc()
	}

	e.sendErrorResponse(ctx, 400)
	e.send(ctx, events.Closed{})
	e.closeStream(ctx)
	return nil
}

func (e *Engine) sendErrorResponse(ctx context.Context, status int) {
	headers := []wire.Field{
		{Name: "content-length", Value: "0"},
		{Name: "connection", Value: "close"},
	}
	headers = append(headers, wire.ResponseHeaders(e.cfg.ServerHeader)...)

	e.mu.Lock()
	head, err := e.parser.Send(wire.Response{StatusCode: status, Headers: headers})
	if err != nil {
		// A response is already in flight; nothing coherent can be added.
		e.mu.Unlock()
		return
	}
	end, _ := e.parser.Send(wire.EndOfMessage{})
	e.mu.Unlock()

	e.send(ctx, events.RawData{Data: head})
	if len(end) > 0 {
		e.send(ctx, events.RawData{Data: end})
	}
	if m := e.cfg.Metrics; m != nil {
		m.ResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

// createStreamLocked runs upgrade detection and constructs the adapter for
// this cycle. Caller holds mu.
func (e *Engine) createStreamLocked(req wire.Request) (stream.Adapter, stream.Event) {
	sev := stream.Request{
		Method:      strings.ToUpper(req.Method),
		Path:        req.Target,
		HTTPVersion: req.HTTPVersion,
		Headers:     req.Headers,
	}
	scope := &handler.Scope{
		SessionID:   e.cfg.SessionID,
		Protocol:    "http",
		Method:      sev.Method,
		Path:        sev.Path,
		HTTPVersion: sev.HTTPVersion,
		Headers:     sev.Headers,
		Client:      e.cfg.Client,
		Server:      e.cfg.Server,
		TLS:         e.cfg.TLS,
		Cert:        e.cfg.Cert,
	}

	if m := e.cfg.Metrics; m != nil {
		m.RequestsTotal.WithLabelValues(sev.Method).Inc()
	}

	if isWebSocketUpgrade(req) {
		scope.Protocol = "websocket"
		e.parser = newPassthrough(e.httpParser)
		e.upgraded = true
		e.strm = stream.NewWSStream(e.baseCtx, scope, e.app, e.StreamSend, e.cfg.MaxMessageSize, e.cfg.Metrics, e.cfg.Logger)
		if m := e.cfg.Metrics; m != nil {
			m.Upgrades.Inc()
		}
		e.cfg.Logger.Debug("connection upgraded to websocket",
			slog.String("session", e.cfg.SessionID),
			slog.String("path", sev.Path))
	} else {
		e.strm = stream.NewHTTPStream(e.baseCtx, scope, e.app, e.StreamSend, e.cfg.Logger)
	}
	return e.strm, sev
}

// isWebSocketUpgrade reports whether the request negotiates a WebSocket
// upgrade: a Connection header containing the token "upgrade", an Upgrade
// header equal to "websocket", and method GET, all case-insensitively. Any
// other Upgrade offer falls through to ordinary HTTP handling.
func isWebSocketUpgrade(req wire.Request) bool {
	conn, _ := wire.HeaderValue(req.Headers, "Connection")
	upgrade, _ := wire.HeaderValue(req.Headers, "Upgrade")
	return wire.HasToken(conn, "upgrade") &&
		strings.EqualFold(strings.TrimSpace(upgrade), "websocket") &&
		strings.EqualFold(req.Method, "GET")
}

// StreamSend translates an adapter's outgoing event onto the wire.
func (e *Engine) StreamSend(ctx context.Context, ev stream.Event) error {
	switch ev := ev.(type) {
	case stream.Response:
		headers := make([]wire.Field, 0, len(ev.Headers)+2)
		headers = append(headers, ev.Headers...)
		headers = append(headers, wire.ResponseHeaders(e.cfg.ServerHeader)...)
		if m := e.cfg.Metrics; m != nil {
			m.ResponsesTotal.WithLabelValues(strconv.Itoa(ev.StatusCode)).Inc()
		}
		if ev.StatusCode >= 200 {
			return e.sendWire(ctx, wire.Response{StatusCode: ev.StatusCode, Headers: headers})
		}
		return e.sendWire(ctx, wire.InformationalResponse{StatusCode: ev.StatusCode, Headers: headers})

	case stream.ResponseBody:
		return e.sendWire(ctx, wire.Data{Chunk: ev.Data})

	case stream.ResponseEnd:
		if err := e.sendWire(ctx, wire.EndOfMessage{}); err != nil {
			return err
		}
		e.maybeRecycle(ctx)
		return nil

	case stream.RawData:
		// WebSocket pass-through: written directly, bypassing the parser.
		return e.send(ctx, events.RawData{Data: ev.Data})

	case stream.StreamClosed:
		e.maybeRecycle(ctx)
		return nil
	}
	return nil
}

func (e *Engine) sendWire(ctx context.Context, ev wire.Sendable) error {
	e.mu.Lock()
	data, err := e.parser.Send(ev)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return e.send(ctx, events.RawData{Data: data})
}

// maybeRecycle closes the active stream and either restarts the request
// cycle (keep-alive) or signals the transport to close.
func (e *Engine) maybeRecycle(ctx context.Context) {
	e.closeStream(ctx)

	e.mu.Lock()
	our, _ := e.parser.States()
	if our != wire.StateDone {
		e.mu.Unlock()
		e.gate.Set()
		e.send(ctx, events.Closed{})
		return
	}
	err := e.parser.StartNextCycle()
	e.mu.Unlock()

	if err != nil {
		e.gate.Set()
		e.send(ctx, events.Closed{})
		return
	}

	e.gate.Set()
	// A pipelined request may already be buffered; resume draining before
	// telling the transport the connection survived.
	e.tryDrain(ctx)
	e.send(ctx, events.Updated{})
}

func (e *Engine) closeStream(ctx context.Context) {
	e.mu.Lock()
	strm := e.strm
	e.strm = nil
	e.mu.Unlock()
	if strm != nil {
		strm.Handle(ctx, stream.StreamClosed{})
	}
}

// Idle reports whether no stream is currently active.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strm == nil
}
