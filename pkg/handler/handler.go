// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/edgewire/wireline/pkg/wire"
)

// Scope describes one stream to the hosted application: an HTTP request
// cycle or a WebSocket connection lifetime.
type Scope struct {
	// SessionID is a unique identifier for the underlying connection.
	SessionID string

	// Protocol is "http" or "websocket".
	Protocol string

	// Method is the upper-cased request method.
	Method string

	// Path is the raw request target as received.
	Path string

	// HTTPVersion is "HTTP/1.0" or "HTTP/1.1".
	HTTPVersion string

	// Headers are the request headers in wire order.
	Headers []wire.Field

	// Client and Server are the remote and local network addresses.
	Client string
	Server string

	// TLS indicates the connection is encrypted.
	TLS bool

	// Cert is the client's TLS certificate (if using mTLS).
	Cert *x509.Certificate
}

// BodyChunk is a piece of request body. More is false on the chunk that ends
// the body; its Data may be empty.
type BodyChunk struct {
	Data []byte
	More bool
}

// Message is one complete WebSocket message.
type Message struct {
	Data   []byte
	Binary bool
}

// RequestStream delivers the request body to the application.
type RequestStream interface {
	// Next returns the next body chunk. It blocks until data arrives, and
	// returns ErrStreamClosed once the stream has been torn down.
	Next(ctx context.Context) (BodyChunk, error)
}

// ResponseStream receives the application's response.
type ResponseStream interface {
	// Start sends the response head. A status below 200 is emitted as an
	// informational response and may be followed by another Start.
	Start(ctx context.Context, status int, headers []wire.Field) error

	// Write sends a piece of response body.
	Write(ctx context.Context, data []byte) error

	// End completes the response body.
	End(ctx context.Context) error
}

// MessageConn is the application's view of an accepted WebSocket connection.
type MessageConn interface {
	// Accept completes the handshake. Must be called before Send.
	Accept(ctx context.Context, headers []wire.Field) error

	// Receive returns the next complete message from the peer. It returns
	// ErrConnectionClosed once the peer disconnected.
	Receive(ctx context.Context) (Message, error)

	// Send transmits one message to the peer.
	Send(ctx context.Context, m Message) error

	// Close performs the closing handshake with the given code.
	Close(ctx context.Context, code int) error
}

// Handler is the hosted application. The engine invokes ServeHTTP once per
// HTTP request cycle and ServeWebSocket once per upgraded connection, each on
// its own goroutine.
//
// A ServeHTTP that returns before completing the response is treated as an
// application failure: the engine emits a 500 if no response has started,
// otherwise it closes the connection abruptly. A ServeWebSocket that returns
// without closing simply ends the connection.
type Handler interface {
	ServeHTTP(ctx context.Context, scope *Scope, req RequestStream, resp ResponseStream) error
	ServeWebSocket(ctx context.Context, scope *Scope, conn MessageConn) error
}

// NoopHandler is a Handler that answers every request with 204 No Content and
// accepts then drains every WebSocket connection. Useful for testing.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) ServeHTTP(ctx context.Context, scope *Scope, req RequestStream, resp ResponseStream) error {
	for {
		chunk, err := req.Next(ctx)
		if err != nil {
			return err
		}
		if !chunk.More {
			break
		}
	}
	if err := resp.Start(ctx, 204, nil); err != nil {
		return err
	}
	return resp.End(ctx)
}

func (h *NoopHandler) ServeWebSocket(ctx context.Context, scope *Scope, conn MessageConn) error {
	if err := conn.Accept(ctx, nil); err != nil {
		return err
	}
	for {
		if _, err := conn.Receive(ctx); err != nil {
			return nil
		}
	}
}
