// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"

	"github.com/edgewire/wireline/pkg/wire"
)

// Event is an application-facing stream event. Exactly one active adapter
// processes these per connection at a time; the variant set is closed.
type Event interface {
	streamEvent()
}

// Request opens a stream: one HTTP request cycle or one WebSocket connection.
type Request struct {
	Method      string
	Path        string
	HTTPVersion string
	Headers     []wire.Field
}

// Body is a piece of incoming request body.
type Body struct {
	Data []byte
}

// EndBody marks the clean end of the request body.
type EndBody struct{}

// Response is an outgoing response head. A status below 200 is emitted as an
// informational response.
type Response struct {
	StatusCode int
	Headers    []wire.Field
}

// ResponseBody is a piece of outgoing response body.
type ResponseBody struct {
	Data []byte
}

// ResponseEnd completes the outgoing response.
type ResponseEnd struct{}

// RawData is opaque pass-through data on an upgraded connection, in either
// direction. It bypasses HTTP framing entirely.
type RawData struct {
	Data []byte
}

// StreamClosed terminates the stream regardless of its prior state. Delivered
// to an adapter on teardown; sent by an adapter to request teardown.
type StreamClosed struct{}

func (Request) streamEvent()      {}
func (Body) streamEvent()         {}
func (EndBody) streamEvent()      {}
func (Response) streamEvent()     {}
func (ResponseBody) streamEvent() {}
func (ResponseEnd) streamEvent()  {}
func (RawData) streamEvent()      {}
func (StreamClosed) streamEvent() {}

// SendFunc delivers an adapter's outgoing events to the protocol engine.
type SendFunc func(ctx context.Context, ev Event) error

// Adapter is one request/response cycle (HTTP) or one socket lifetime
// (WebSocket) bridged to the hosted application.
type Adapter interface {
	Handle(ctx context.Context, ev Event) error
}
