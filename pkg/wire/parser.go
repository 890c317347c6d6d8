// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgewire/wireline/pkg/errors"
)

// DefaultMaxIncompleteSize bounds how many bytes may be buffered while an
// incomplete request head or chunk header is pending before the connection is
// treated as malicious.
const DefaultMaxIncompleteSize = 16 * 1024

type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
)

var crlf = []byte("\r\n")

// Parser is the HTTP/1.1 connection state machine for a single server-side
// connection. It is not safe for concurrent use; the engine serializes access.
type Parser struct {
	maxIncomplete int
	buf           []byte
	closed        bool

	ourState   State
	theirState State

	// per-cycle request scope
	reqMethod  string
	reqVersion string
	keepAlive  bool
	want100    bool

	// inbound body framing
	inKind      bodyKind
	inRemaining int64
	phase       chunkPhase
	chunkLeft   int64

	// outbound body framing
	outKind      bodyKind
	outRemaining int64
}

// NewParser creates a parser for a freshly accepted connection.
// maxIncomplete bounds the size of a pending incomplete message head;
// zero selects DefaultMaxIncompleteSize.
func NewParser(maxIncomplete int) *Parser {
	if maxIncomplete <= 0 {
		maxIncomplete = DefaultMaxIncompleteSize
	}
	return &Parser{
		maxIncomplete: maxIncomplete,
		ourState:      StateIdle,
		theirState:    StateIdle,
		keepAlive:     true,
	}
}

// Receive appends raw transport bytes to the internal buffer. Parsing is
// deferred until NextEvent.
func (p *Parser) Receive(data []byte) {
	p.buf = append(p.buf, data...)
}

// CloseReceived records that the transport reached end of stream.
func (p *Parser) CloseReceived() {
	p.closed = true
}

// States returns the current connection state of our side and their side.
func (p *Parser) States() (our, their State) {
	return p.ourState, p.theirState
}

// TheyAreWaitingFor100Continue reports whether the peer sent
// Expect: 100-continue and is holding the request body until an informational
// response arrives.
func (p *Parser) TheyAreWaitingFor100Continue() bool {
	return p.want100
}

// TakeBuffered removes and returns any bytes that were received but not yet
// parsed. Used when the connection is retired from HTTP framing on upgrade.
func (p *Parser) TakeBuffered() []byte {
	b := p.buf
	p.buf = nil
	return b
}

// NextEvent parses one structural unit from the buffered bytes.
func (p *Parser) NextEvent() (Event, error) {
	switch p.theirState {
	case StateDone, StateMustClose:
		return Paused{}, nil
	case StateClosed:
		return ConnectionClosed{}, nil
	case StateError:
		return nil, errors.Wrap(errors.ErrProtocolViolation, "connection in error state")
	}

	if p.theirState == StateIdle {
		return p.nextRequestHead()
	}
	return p.nextBodyEvent()
}

// StartNextCycle resets the parser for a new request on the same connection.
// Valid only when both sides reached Done.
func (p *Parser) StartNextCycle() error {
	if p.ourState != StateDone || p.theirState != StateDone {
		return fmt.Errorf("%w: our=%s their=%s", errors.ErrCycleIncomplete, p.ourState, p.theirState)
	}
	p.ourState = StateIdle
	p.theirState = StateIdle
	p.reqMethod = ""
	p.reqVersion = ""
	p.keepAlive = true
	p.want100 = false
	p.inKind = bodyNone
	p.inRemaining = 0
	p.phase = chunkSize
	p.chunkLeft = 0
	p.outKind = bodyNone
	p.outRemaining = 0
	return nil
}

func (p *Parser) protocolError(format string, args ...any) (Event, error) {
	p.theirState = StateError
	return nil, errors.Wrap(errors.ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func (p *Parser) nextRequestHead() (Event, error) {
	// Leading empty lines before a request line are ignored.
	for bytes.HasPrefix(p.buf, crlf) {
		p.buf = p.buf[2:]
	}

	idx := bytes.Index(p.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if p.closed {
			if len(p.buf) == 0 {
				p.theirState = StateClosed
				return ConnectionClosed{}, nil
			}
			return p.protocolError("connection closed with partial request head")
		}
		if len(p.buf) > p.maxIncomplete {
			return p.protocolError("request head exceeds %d bytes", p.maxIncomplete)
		}
		return NeedMoreData{}, nil
	}

	head := p.buf[:idx]
	p.buf = p.buf[idx+4:]

	lines := strings.Split(string(head), "\r\n")
	req, err := p.parseRequestLine(lines[0])
	if err != nil {
		return p.protocolError("%v", err)
	}
	req.Headers, err = parseHeaderLines(lines[1:])
	if err != nil {
		return p.protocolError("%v", err)
	}
	if err := p.applyRequestFraming(req); err != nil {
		return p.protocolError("%v", err)
	}

	p.theirState = StateSendBody
	if p.ourState == StateIdle {
		p.ourState = StateSendResponse
	}
	return req, nil
}

func (p *Parser) parseRequestLine(line string) (Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return Request{}, fmt.Errorf("malformed request line %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !isToken(method) {
		return Request{}, fmt.Errorf("invalid method %q", method)
	}
	if target == "" {
		return Request{}, fmt.Errorf("empty request target")
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return Request{}, fmt.Errorf("unsupported protocol version %q", version)
	}
	return Request{Method: method, Target: target, HTTPVersion: version}, nil
}

func parseHeaderLines(lines []string) ([]Field, error) {
	headers := make([]Field, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("obsolete line folding in header block")
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("header line %q missing colon", line)
		}
		name := line[:colon]
		if !isToken(name) {
			return nil, fmt.Errorf("invalid header name %q", name)
		}
		value := strings.Trim(line[colon+1:], " \t")
		headers = append(headers, Field{Name: name, Value: value})
	}
	return headers, nil
}

// applyRequestFraming fixes the inbound body framing and the keep-alive
// disposition from the request head.
func (p *Parser) applyRequestFraming(req Request) error {
	p.reqMethod = strings.ToUpper(req.Method)
	p.reqVersion = req.HTTPVersion

	te, hasTE := HeaderValue(req.Headers, "Transfer-Encoding")
	cl, hasCL := HeaderValue(req.Headers, "Content-Length")

	switch {
	case hasTE:
		if hasCL {
			return fmt.Errorf("both Transfer-Encoding and Content-Length present")
		}
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return fmt.Errorf("unsupported transfer encoding %q", te)
		}
		p.inKind = bodyChunked
		p.phase = chunkSize
	case hasCL:
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 63)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid Content-Length %q", cl)
		}
		p.inKind = bodyLength
		p.inRemaining = n
	default:
		p.inKind = bodyNone
	}

	if expect, ok := HeaderValue(req.Headers, "Expect"); ok &&
		strings.EqualFold(strings.TrimSpace(expect), "100-continue") {
		if p.inKind == bodyChunked || (p.inKind == bodyLength && p.inRemaining > 0) {
			p.want100 = true
		}
	}

	conn, _ := HeaderValue(req.Headers, "Connection")
	switch p.reqVersion {
	case "HTTP/1.0":
		p.keepAlive = HasToken(conn, "keep-alive")
	default:
		p.keepAlive = !HasToken(conn, "close")
	}
	return nil
}

func (p *Parser) endOfInboundMessage() Event {
	if p.keepAlive {
		p.theirState = StateDone
	} else {
		p.theirState = StateMustClose
	}
	p.want100 = false
	return EndOfMessage{}
}

func (p *Parser) nextBodyEvent() (Event, error) {
	switch p.inKind {
	case bodyNone:
		return p.endOfInboundMessage(), nil

	case bodyLength:
		if p.inRemaining == 0 {
			return p.endOfInboundMessage(), nil
		}
		if len(p.buf) == 0 {
			if p.closed {
				return p.protocolError("connection closed with %d body bytes outstanding", p.inRemaining)
			}
			return NeedMoreData{}, nil
		}
		n := int64(len(p.buf))
		if n > p.inRemaining {
			n = p.inRemaining
		}
		chunk := p.take(int(n))
		p.inRemaining -= n
		p.want100 = false
		return Data{Chunk: chunk}, nil

	case bodyChunked:
		return p.nextChunkEvent()
	}
	return p.protocolError("unknown body framing")
}

func (p *Parser) nextChunkEvent() (Event, error) {
	for {
		switch p.phase {
		case chunkSize:
			line, ev, err := p.readLine()
			if ev != nil || err != nil {
				return ev, err
			}
			if semi := strings.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi] // chunk extensions are ignored
			}
			size, err := strconv.ParseUint(strings.TrimSpace(line), 16, 63)
			if err != nil {
				return p.protocolError("invalid chunk size %q", line)
			}
			if size == 0 {
				p.phase = chunkTrailer
				continue
			}
			p.chunkLeft = int64(size)
			p.phase = chunkData

		case chunkData:
			if len(p.buf) == 0 {
				if p.closed {
					return p.protocolError("connection closed mid-chunk")
				}
				return NeedMoreData{}, nil
			}
			n := int64(len(p.buf))
			if n > p.chunkLeft {
				n = p.chunkLeft
			}
			chunk := p.take(int(n))
			p.chunkLeft -= n
			if p.chunkLeft == 0 {
				p.phase = chunkDataCRLF
			}
			p.want100 = false
			return Data{Chunk: chunk}, nil

		case chunkDataCRLF:
			if len(p.buf) < 2 {
				if p.closed {
					return p.protocolError("connection closed mid-chunk")
				}
				return NeedMoreData{}, nil
			}
			if !bytes.HasPrefix(p.buf, crlf) {
				return p.protocolError("chunk data not terminated by CRLF")
			}
			p.buf = p.buf[2:]
			p.phase = chunkSize

		case chunkTrailer:
			line, ev, err := p.readLine()
			if ev != nil || err != nil {
				return ev, err
			}
			if line == "" {
				return p.endOfInboundMessage(), nil
			}
			// Trailer fields are consumed and discarded.
		}
	}
}

// readLine consumes one CRLF-terminated line. When the line is incomplete it
// returns a sentinel event (NeedMoreData) or an error instead.
func (p *Parser) readLine() (string, Event, error) {
	idx := bytes.Index(p.buf, crlf)
	if idx < 0 {
		if p.closed {
			ev, err := p.protocolError("connection closed with partial chunk header")
			return "", ev, err
		}
		if len(p.buf) > p.maxIncomplete {
			ev, err := p.protocolError("chunk header exceeds %d bytes", p.maxIncomplete)
			return "", ev, err
		}
		return "", NeedMoreData{}, nil
	}
	line := string(p.buf[:idx])
	p.buf = p.buf[idx+2:]
	return line, nil, nil
}

func (p *Parser) take(n int) []byte {
	chunk := make([]byte, n)
	copy(chunk, p.buf[:n])
	p.buf = p.buf[n:]
	return chunk
}
