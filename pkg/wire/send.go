// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgewire/wireline/pkg/errors"
)

// Send serializes an outgoing event into wire bytes according to the
// connection's negotiated transfer semantics and advances our side of the
// state machine.
func (p *Parser) Send(ev Sendable) ([]byte, error) {
	switch ev := ev.(type) {
	case InformationalResponse:
		return p.sendInformational(ev)
	case Response:
		return p.sendResponse(ev)
	case Data:
		return p.sendData(ev)
	case EndOfMessage:
		return p.sendEndOfMessage()
	}
	return nil, errors.Wrap(errors.ErrLocalProtocolError, "unknown sendable event")
}

func (p *Parser) sendInformational(ev InformationalResponse) ([]byte, error) {
	if p.ourState != StateSendResponse {
		return nil, localError("informational response in state %s", p.ourState)
	}
	if ev.StatusCode < 100 || ev.StatusCode >= 200 {
		return nil, localError("informational response with status %d", ev.StatusCode)
	}
	out := appendHead(nil, ev.StatusCode, ev.Headers)
	if ev.StatusCode == 100 {
		p.want100 = false
	}
	return out, nil
}

func (p *Parser) sendResponse(ev Response) ([]byte, error) {
	// Idle is permitted so an error response can be produced before any
	// request head was successfully parsed.
	if p.ourState != StateSendResponse && p.ourState != StateIdle {
		return nil, localError("response head in state %s", p.ourState)
	}
	if ev.StatusCode < 200 {
		return nil, localError("final response with status %d", ev.StatusCode)
	}

	headers := ev.Headers
	te, hasTE := HeaderValue(headers, "Transfer-Encoding")
	cl, hasCL := HeaderValue(headers, "Content-Length")
	noBodyStatus := ev.StatusCode == 204 || ev.StatusCode == 304

	switch {
	case hasTE && strings.EqualFold(strings.TrimSpace(te), "chunked"):
		p.outKind = bodyChunked
	case hasCL:
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 63)
		if err != nil || n < 0 {
			return nil, localError("invalid Content-Length %q", cl)
		}
		p.outKind = bodyLength
		p.outRemaining = n
	case noBodyStatus:
		p.outKind = bodyNone
	case p.reqVersion == "HTTP/1.0":
		// No framing available on a 1.0 response without Content-Length; the
		// body runs until close.
		p.outKind = bodyUntilClose
		p.keepAlive = false
	default:
		headers = append(headers, Field{Name: "Transfer-Encoding", Value: "chunked"})
		p.outKind = bodyChunked
	}

	// A HEAD response carries framing headers but no body bytes.
	if p.reqMethod == "HEAD" {
		p.outKind = bodyNone
		p.outRemaining = 0
	}

	if conn, ok := HeaderValue(headers, "Connection"); ok && HasToken(conn, "close") {
		p.keepAlive = false
	}

	p.ourState = StateSendBody
	return appendHead(nil, ev.StatusCode, headers), nil
}

func (p *Parser) sendData(ev Data) ([]byte, error) {
	if p.ourState != StateSendBody {
		return nil, localError("body data in state %s", p.ourState)
	}
	switch p.outKind {
	case bodyLength:
		n := int64(len(ev.Chunk))
		if n > p.outRemaining {
			return nil, localError("body exceeds declared Content-Length by %d bytes", n-p.outRemaining)
		}
		p.outRemaining -= n
		return ev.Chunk, nil
	case bodyChunked:
		if len(ev.Chunk) == 0 {
			// A zero-length chunk would terminate the body early.
			return nil, nil
		}
		out := make([]byte, 0, len(ev.Chunk)+16)
		out = append(out, strconv.FormatInt(int64(len(ev.Chunk)), 16)...)
		out = append(out, crlf...)
		out = append(out, ev.Chunk...)
		out = append(out, crlf...)
		return out, nil
	case bodyUntilClose:
		return ev.Chunk, nil
	default:
		if len(ev.Chunk) > 0 {
			return nil, localError("body data on a bodiless response")
		}
		return nil, nil
	}
}

func (p *Parser) sendEndOfMessage() ([]byte, error) {
	if p.ourState != StateSendBody {
		return nil, localError("end of message in state %s", p.ourState)
	}
	var out []byte
	switch p.outKind {
	case bodyLength:
		if p.outRemaining != 0 {
			return nil, localError("message ended with %d declared body bytes unsent", p.outRemaining)
		}
	case bodyChunked:
		out = []byte("0\r\n\r\n")
	case bodyUntilClose:
		p.keepAlive = false
	}
	if p.keepAlive {
		p.ourState = StateDone
	} else {
		p.ourState = StateMustClose
	}
	return out, nil
}

func localError(format string, args ...any) error {
	return errors.Wrap(errors.ErrLocalProtocolError, fmt.Sprintf(format, args...))
}

// appendHead serializes a response status line and header block. Responses are
// always emitted as HTTP/1.1 regardless of the request version.
func appendHead(out []byte, status int, headers []Field) []byte {
	out = append(out, "HTTP/1.1 "...)
	out = strconv.AppendInt(out, int64(status), 10)
	out = append(out, ' ')
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Unknown"
	}
	out = append(out, reason...)
	out = append(out, crlf...)
	for _, f := range headers {
		out = append(out, f.Name...)
		out = append(out, ": "...)
		out = append(out, f.Value...)
		out = append(out, crlf...)
	}
	return append(out, crlf...)
}

// EncodeRequest serializes a request head as a client would put it on the
// wire. Used to replay an already-parsed upgrade request into the WebSocket
// handshake machinery so both entry paths share one state machine.
func EncodeRequest(req Request) []byte {
	version := req.HTTPVersion
	if version == "" {
		version = "HTTP/1.1"
	}
	out := make([]byte, 0, 256)
	out = append(out, req.Method...)
	out = append(out, ' ')
	out = append(out, req.Target...)
	out = append(out, ' ')
	out = append(out, version...)
	out = append(out, crlf...)
	for _, f := range req.Headers {
		out = append(out, f.Name...)
		out = append(out, ": "...)
		out = append(out, f.Value...)
		out = append(out, crlf...)
	}
	return append(out, crlf...)
}

// ResponseHeaders returns the identity headers injected into every outgoing
// response: the current date and the configured server token.
func ResponseHeaders(serverToken string) []Field {
	return []Field{
		{Name: "date", Value: time.Now().UTC().Format(http.TimeFormat)},
		{Name: "server", Value: serverToken},
	}
}
