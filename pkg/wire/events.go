// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package wire

// Event is a framing event produced by Parser.NextEvent. The set of variants
// is closed; callers are expected to switch exhaustively over it.
type Event interface {
	framingEvent()
}

// Sendable is an outgoing event accepted by Parser.Send.
type Sendable interface {
	sendableEvent()
}

// Request is a parsed request head.
type Request struct {
	Method      string
	Target      string
	HTTPVersion string
	Headers     []Field
}

// Data is a piece of message body. It is produced while reading a request
// body and accepted by Send while writing a response body.
type Data struct {
	Chunk []byte
}

// EndOfMessage marks the clean end of a message body on either side.
type EndOfMessage struct{}

// NeedMoreData means the buffered bytes do not contain a complete structural
// unit; the caller must wait for more transport input.
type NeedMoreData struct{}

// Paused means the parser refuses to surface further events until the
// connection has been recycled, typically because a pipelined request arrived
// while the prior response is still in flight.
type Paused struct{}

// ConnectionClosed means the peer closed the connection cleanly between
// request cycles.
type ConnectionClosed struct{}

// Response is an outgoing final response head (status >= 200).
type Response struct {
	StatusCode int
	Headers    []Field
}

// InformationalResponse is an outgoing 1xx response head.
type InformationalResponse struct {
	StatusCode int
	Headers    []Field
}

func (Request) framingEvent()          {}
func (Data) framingEvent()             {}
func (EndOfMessage) framingEvent()     {}
func (NeedMoreData) framingEvent()     {}
func (Paused) framingEvent()           {}
func (ConnectionClosed) framingEvent() {}

func (Response) sendableEvent()              {}
func (InformationalResponse) sendableEvent() {}
func (Data) sendableEvent()                  {}
func (EndOfMessage) sendableEvent()          {}
