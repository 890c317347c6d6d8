// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/edgewire/wireline/pkg/errors"
	"github.com/edgewire/wireline/pkg/wire"
)

// acceptGUID is the fixed GUID appended to the client key when computing the
// Sec-WebSocket-Accept value (RFC 6455 section 4.2.2).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Event is a decoded WebSocket connection event. The set of variants is
// closed; callers switch exhaustively over it.
type Event interface {
	wsEvent()
}

// Request is the parsed and validated opening handshake.
type Request struct {
	Head wire.Request
	Key  string
}

// Data is a single data frame with continuations resolved: Opcode is always
// OpText or OpBinary, the opcode of the message the frame belongs to.
type Data struct {
	Opcode  Opcode
	Payload []byte
	Final   bool
}

// Ping is a ping control frame; the receiver must answer with a pong carrying
// the same payload.
type Ping struct {
	Payload []byte
}

// Pong is a pong control frame.
type Pong struct {
	Payload []byte
}

// Close is a close control frame from the peer.
type Close struct {
	Code   int
	Reason string
}

func (Request) wsEvent() {}
func (Data) wsEvent()    {}
func (Ping) wsEvent()    {}
func (Pong) wsEvent()    {}
func (Close) wsEvent()   {}

type connState int

const (
	stateHandshake connState = iota
	stateRequested
	stateOpen
	stateClosed
)

// Conn is a server-side WebSocket connection state machine. It performs no
// I/O: the caller feeds bytes in with Receive and drains outgoing bytes with
// BytesToSend. Not safe for concurrent use.
type Conn struct {
	state connState

	handshake *wire.Parser
	key       string

	buf []byte
	out []byte

	maxMessage int   // cap on an assembled incoming message, 0 for unbounded
	msgSize    int64 // payload bytes already delivered for the in-flight message

	fragOpcode Opcode // opcode of the in-flight fragmented message, 0 when none
	closeSent  bool
}

// NewConn creates a connection awaiting its opening handshake. maxMessage
// bounds an assembled incoming message; a frame whose declared length would
// cross it is rejected before its payload is buffered.
func NewConn(maxMessage int) *Conn {
	return &Conn{
		handshake:  wire.NewParser(0),
		maxMessage: maxMessage,
	}
}

// Receive appends raw bytes from the transport.
func (c *Conn) Receive(data []byte) {
	if c.state == stateHandshake {
		c.handshake.Receive(data)
		return
	}
	c.buf = append(c.buf, data...)
}

// NextEvent decodes one event from the buffered bytes. It returns (nil, nil)
// when more input is needed.
func (c *Conn) NextEvent() (Event, error) {
	if c.state == stateHandshake {
		return c.nextHandshakeEvent()
	}
	return c.nextFrameEvent()
}

func (c *Conn) nextHandshakeEvent() (Event, error) {
	for {
		ev, err := c.handshake.NextEvent()
		if err != nil {
			return nil, err
		}
		switch ev := ev.(type) {
		case wire.Request:
			req, err := c.validateHandshake(ev)
			if err != nil {
				return nil, err
			}
			// Drain the (empty) request body so the parser reaches Done, then
			// hand any trailing bytes to the frame decoder.
			for {
				ev, err := c.handshake.NextEvent()
				if err != nil {
					return nil, err
				}
				if _, done := ev.(wire.EndOfMessage); done {
					break
				}
				if _, more := ev.(wire.NeedMoreData); more {
					break
				}
			}
			c.buf = append(c.buf, c.handshake.TakeBuffered()...)
			c.state = stateRequested
			return req, nil
		case wire.NeedMoreData:
			return nil, nil
		case wire.ConnectionClosed:
			return nil, errors.ErrConnectionClosed
		default:
			return nil, errors.Wrap(errors.ErrProtocolViolation, "unexpected event during handshake")
		}
	}
}

func (c *Conn) validateHandshake(req wire.Request) (Request, error) {
	if !strings.EqualFold(req.Method, "GET") {
		return Request{}, handshakeError("handshake method %q is not GET", req.Method)
	}
	if upgrade, ok := wire.HeaderValue(req.Headers, "Upgrade"); !ok || !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return Request{}, handshakeError("missing or invalid Upgrade header")
	}
	if conn, ok := wire.HeaderValue(req.Headers, "Connection"); !ok || !wire.HasToken(conn, "upgrade") {
		return Request{}, handshakeError("Connection header lacks upgrade token")
	}
	if version, ok := wire.HeaderValue(req.Headers, "Sec-WebSocket-Version"); !ok || strings.TrimSpace(version) != "13" {
		return Request{}, handshakeError("unsupported websocket version")
	}
	key, ok := wire.HeaderValue(req.Headers, "Sec-WebSocket-Key")
	if !ok || key == "" {
		return Request{}, handshakeError("missing Sec-WebSocket-Key header")
	}
	c.key = strings.TrimSpace(key)
	return Request{Head: req, Key: c.key}, nil
}

func (c *Conn) nextFrameEvent() (Event, error) {
	if c.maxMessage > 0 {
		if length, opcode, ok := pendingLength(c.buf); ok {
			switch opcode {
			case OpContinuation, OpText, OpBinary:
				if c.msgSize+length > int64(c.maxMessage) {
					return nil, errors.Wrap(errors.ErrFrameTooLarge,
						fmt.Sprintf("frame declares %d bytes against a %d byte message limit", length, c.maxMessage))
				}
			}
		}
	}

	f, n, err := decodeFrame(c.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	c.buf = c.buf[n:]

	switch f.opcode {
	case OpText, OpBinary:
		if c.fragOpcode != 0 {
			return nil, errors.Wrap(errors.ErrProtocolViolation, "data frame interleaved with fragmented message")
		}
		if !f.fin {
			c.fragOpcode = f.opcode
		}
		c.trackMessageSize(f)
		return Data{Opcode: f.opcode, Payload: f.payload, Final: f.fin}, nil

	case OpContinuation:
		if c.fragOpcode == 0 {
			return nil, errors.Wrap(errors.ErrProtocolViolation, "continuation frame without a message in progress")
		}
		opcode := c.fragOpcode
		if f.fin {
			c.fragOpcode = 0
		}
		c.trackMessageSize(f)
		return Data{Opcode: opcode, Payload: f.payload, Final: f.fin}, nil

	case OpPing:
		return Ping{Payload: f.payload}, nil

	case OpPong:
		return Pong{Payload: f.payload}, nil

	case OpClose:
		code := CloseNoStatus
		reason := ""
		if len(f.payload) >= 2 {
			code = int(binary.BigEndian.Uint16(f.payload))
			reason = string(f.payload[2:])
		}
		return Close{Code: code, Reason: reason}, nil
	}
	return nil, errors.Wrap(errors.ErrProtocolViolation, "unreachable frame opcode")
}

// trackMessageSize accounts a delivered data frame against the in-flight
// message, so fragment limits carry across continuations.
func (c *Conn) trackMessageSize(f frame) {
	if f.fin {
		c.msgSize = 0
		return
	}
	c.msgSize += int64(len(f.payload))
}

// Accept completes the handshake with a 101 response. extra headers are
// appended after the upgrade headers.
func (c *Conn) Accept(extra []wire.Field) error {
	if c.state != stateRequested {
		return errors.Wrap(errors.ErrLocalProtocolError, "accept before handshake request")
	}
	headers := []wire.Field{
		{Name: "upgrade", Value: "WebSocket"},
		{Name: "connection", Value: "Upgrade"},
		{Name: "sec-websocket-accept", Value: AcceptKey(c.key)},
	}
	headers = append(headers, extra...)

	out := []byte("HTTP/1.1 101 Switching Protocols\r\n")
	for _, f := range headers {
		out = append(out, f.Name...)
		out = append(out, ": "...)
		out = append(out, f.Value...)
		out = append(out, "\r\n"...)
	}
	out = append(out, "\r\n"...)
	c.out = append(c.out, out...)
	c.state = stateOpen
	return nil
}

// SendMessage queues a single unfragmented data frame.
func (c *Conn) SendMessage(opcode Opcode, payload []byte) error {
	if c.state != stateOpen || c.closeSent {
		return errors.Wrap(errors.ErrLocalProtocolError, "send on a connection that is not open")
	}
	c.out = append(c.out, encodeFrame(opcode, payload, true)...)
	return nil
}

// SendPong queues a pong frame echoing the given ping payload.
func (c *Conn) SendPong(payload []byte) error {
	if c.state != stateOpen || c.closeSent {
		return errors.Wrap(errors.ErrLocalProtocolError, "pong on a connection that is not open")
	}
	c.out = append(c.out, encodeFrame(OpPong, payload, true)...)
	return nil
}

// SendClose queues a close frame. Subsequent sends are rejected.
func (c *Conn) SendClose(code int, reason string) error {
	if c.closeSent {
		return nil
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	c.out = append(c.out, encodeFrame(OpClose, payload, true)...)
	c.closeSent = true
	c.state = stateClosed
	return nil
}

// CloseSent reports whether a close frame has already been queued.
func (c *Conn) CloseSent() bool {
	return c.closeSent
}

// BytesToSend drains and returns the bytes queued for the transport.
func (c *Conn) BytesToSend() []byte {
	out := c.out
	c.out = nil
	return out
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func handshakeError(format string, args ...any) error {
	return errors.Wrap(errors.ErrProtocolViolation, fmt.Sprintf(format, args...))
}
