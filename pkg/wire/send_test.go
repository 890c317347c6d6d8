// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	wlerrors "github.com/edgewire/wireline/pkg/errors"
)

// roundTrip feeds the request head into a parser, runs send against it, and
// re-reads the produced bytes with net/http's response reader.
func roundTrip(t *testing.T, requestHead string, send func(p *Parser) []byte) *http.Response {
	t.Helper()
	p := NewParser(0)
	p.Receive([]byte(requestHead))
	nextRequest(t, p)
	collectBody(t, p)

	wire := send(p)

	httpReq, err := http.ReadRequest(bufio.NewReader(strings.NewReader(requestHead)))
	if err != nil {
		t.Fatalf("ReadRequest() error: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), httpReq)
	if err != nil {
		t.Fatalf("ReadResponse() error: %v", err)
	}
	return resp
}

func mustSend(t *testing.T, p *Parser, ev Sendable) []byte {
	t.Helper()
	out, err := p.Send(ev)
	if err != nil {
		t.Fatalf("Send(%T) error: %v", ev, err)
	}
	return out
}

func TestContentLengthResponse(t *testing.T) {
	resp := roundTrip(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", func(p *Parser) []byte {
		var out []byte
		out = append(out, mustSend(t, p, Response{StatusCode: 200, Headers: []Field{
			{Name: "Content-Length", Value: "5"},
			{Name: "Content-Type", Value: "text/plain"},
		}})...)
		out = append(out, mustSend(t, p, Data{Chunk: []byte("hello")})...)
		out = append(out, mustSend(t, p, EndOfMessage{})...)
		return out
	})
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}
}

func TestChunkedFallbackResponse(t *testing.T) {
	// No Content-Length: the response is converted to chunked framing.
	resp := roundTrip(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", func(p *Parser) []byte {
		var out []byte
		out = append(out, mustSend(t, p, Response{StatusCode: 200})...)
		out = append(out, mustSend(t, p, Data{Chunk: []byte("hello ")})...)
		out = append(out, mustSend(t, p, Data{Chunk: []byte("world")})...)
		out = append(out, mustSend(t, p, EndOfMessage{})...)
		return out
	})
	defer resp.Body.Close()

	if len(resp.TransferEncoding) != 1 || resp.TransferEncoding[0] != "chunked" {
		t.Errorf("TransferEncoding = %v, want [chunked]", resp.TransferEncoding)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
}

func TestHeadResponseSuppressesBody(t *testing.T) {
	p := NewParser(0)
	p.Receive([]byte("HEAD / HTTP/1.1\r\nHost: a\r\n\r\n"))
	nextRequest(t, p)
	collectBody(t, p)

	head := mustSend(t, p, Response{StatusCode: 200, Headers: []Field{{Name: "Content-Length", Value: "5"}}})
	if !strings.Contains(string(head), "Content-Length: 5") {
		t.Errorf("head should carry framing headers, got %q", head)
	}

	// Body bytes must not be emitted.
	if _, err := p.Send(Data{Chunk: []byte("hello")}); !errors.Is(err, wlerrors.ErrLocalProtocolError) {
		t.Errorf("Send(Data) error = %v, want ErrLocalProtocolError", err)
	}
	if _, err := p.Send(EndOfMessage{}); err != nil {
		t.Errorf("Send(EndOfMessage) error: %v", err)
	}
	if our, _ := p.States(); our != StateDone {
		t.Errorf("our state = %s, want done", our)
	}
}

func TestHTTP10ResponseClosesConnection(t *testing.T) {
	p := NewParser(0)
	p.Receive([]byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
	nextRequest(t, p)
	collectBody(t, p)

	// No Content-Length and no chunked support on 1.0: body runs until close.
	head := mustSend(t, p, Response{StatusCode: 200})
	if strings.Contains(strings.ToLower(string(head)), "transfer-encoding") {
		t.Errorf("1.0 response must not be chunked: %q", head)
	}
	mustSend(t, p, Data{Chunk: []byte("x")})
	mustSend(t, p, EndOfMessage{})

	if our, _ := p.States(); our != StateMustClose {
		t.Errorf("our state = %s, want must-close", our)
	}
}

func TestConnectionCloseHeaderDisablesKeepAlive(t *testing.T) {
	p := NewParser(0)
	p.Receive([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	nextRequest(t, p)
	collectBody(t, p)

	mustSend(t, p, Response{StatusCode: 200, Headers: []Field{
		{Name: "Content-Length", Value: "0"},
		{Name: "Connection", Value: "close"},
	}})
	mustSend(t, p, EndOfMessage{})

	if our, _ := p.States(); our != StateMustClose {
		t.Errorf("our state = %s, want must-close", our)
	}
}

func TestBodyOverrun(t *testing.T) {
	p := NewParser(0)
	p.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	nextRequest(t, p)
	collectBody(t, p)

	mustSend(t, p, Response{StatusCode: 200, Headers: []Field{{Name: "Content-Length", Value: "3"}}})
	if _, err := p.Send(Data{Chunk: []byte("toolong")}); !errors.Is(err, wlerrors.ErrLocalProtocolError) {
		t.Errorf("Send() error = %v, want ErrLocalProtocolError", err)
	}
}

func TestBodyUnderrun(t *testing.T) {
	p := NewParser(0)
	p.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	nextRequest(t, p)
	collectBody(t, p)

	mustSend(t, p, Response{StatusCode: 200, Headers: []Field{{Name: "Content-Length", Value: "3"}}})
	mustSend(t, p, Data{Chunk: []byte("ab")})
	if _, err := p.Send(EndOfMessage{}); !errors.Is(err, wlerrors.ErrLocalProtocolError) {
		t.Errorf("Send(EndOfMessage) error = %v, want ErrLocalProtocolError", err)
	}
}

func TestInformationalBeforeFinal(t *testing.T) {
	p := NewParser(0)
	p.Receive([]byte("POST / HTTP/1.1\r\nContent-Length: 0\r\n\r\n"))
	nextRequest(t, p)
	collectBody(t, p)

	out := mustSend(t, p, InformationalResponse{StatusCode: 103, Headers: []Field{{Name: "Link", Value: "</s.css>; rel=preload"}}})
	if !strings.HasPrefix(string(out), "HTTP/1.1 103 ") {
		t.Errorf("informational head = %q", out)
	}

	// The final response is still available afterwards.
	mustSend(t, p, Response{StatusCode: 204})
	mustSend(t, p, EndOfMessage{})
	if our, _ := p.States(); our != StateDone {
		t.Errorf("our state = %s, want done", our)
	}
}

func TestErrorResponseBeforeRequest(t *testing.T) {
	// A 400 must be expressible before any request head was parsed.
	p := NewParser(0)
	head := mustSend(t, p, Response{StatusCode: 400, Headers: []Field{
		{Name: "content-length", Value: "0"},
		{Name: "connection", Value: "close"},
	}})
	if !strings.HasPrefix(string(head), "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("head = %q", head)
	}
	mustSend(t, p, EndOfMessage{})
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	in := Request{
		Method: "GET",
		Target: "/ws",
		Headers: []Field{
			{Name: "Host", Value: "example.com"},
			{Name: "Upgrade", Value: "websocket"},
		},
	}

	p := NewParser(0)
	p.Receive(EncodeRequest(in))
	out := nextRequest(t, p)

	if out.Method != "GET" || out.Target != "/ws" || out.HTTPVersion != "HTTP/1.1" {
		t.Errorf("round-tripped request = %+v", out)
	}
	if v, ok := HeaderValue(out.Headers, "upgrade"); !ok || v != "websocket" {
		t.Errorf("Upgrade = %q, %v", v, ok)
	}
}

func TestResponseHeadersIdentity(t *testing.T) {
	headers := ResponseHeaders("wireline")
	if v, ok := HeaderValue(headers, "server"); !ok || v != "wireline" {
		t.Errorf("server = %q, %v", v, ok)
	}
	if v, ok := HeaderValue(headers, "date"); !ok || !strings.HasSuffix(v, "GMT") {
		t.Errorf("date = %q, %v", v, ok)
	}
}
