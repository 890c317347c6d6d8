// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cerrors "github.com/edgewire/wireline/pkg/errors"
	"github.com/edgewire/wireline/pkg/handler"
	"github.com/edgewire/wireline/pkg/ratelimit"
	"github.com/edgewire/wireline/pkg/wire"
)

// echoApp echoes HTTP bodies and WebSocket messages.
type echoApp struct{}

func (a *echoApp) ServeHTTP(ctx context.Context, scope *handler.Scope, req handler.RequestStream, resp handler.ResponseStream) error {
	var body []byte
	for {
		chunk, err := req.Next(ctx)
		if err != nil {
			return err
		}
		body = append(body, chunk.Data...)
		if !chunk.More {
			break
		}
	}
	if len(body) == 0 {
		body = []byte(scope.Path)
	}
	if err := resp.Start(ctx, 200, []wire.Field{{Name: "content-length", Value: fmt.Sprint(len(body))}}); err != nil {
		return err
	}
	if err := resp.Write(ctx, body); err != nil {
		return err
	}
	return resp.End(ctx)
}

func (a *echoApp) ServeWebSocket(ctx context.Context, scope *handler.Scope, conn handler.MessageConn) error {
	if err := conn.Accept(ctx, nil); err != nil {
		return err
	}
	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			return nil
		}
		if err := conn.Send(ctx, m); err != nil {
			return err
		}
	}
}

func startServer(t *testing.T, cfg Config, app handler.Handler) (*Server, string, context.CancelFunc) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	srv := New(cfg, app)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Listen(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-serverErr:
		case <-time.After(10 * time.Second):
			t.Error("server shutdown timeout")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, srv.Addr().String(), cancel
}

func TestHTTPRequestResponse(t *testing.T) {
	_, addr, _ := startServer(t, Config{}, &echoApp{})

	resp, err := http.Post("http://"+addr+"/echo", "text/plain", strings.NewReader("round trip"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if server := resp.Header.Get("Server"); server != "wireline" {
		t.Errorf("Server header = %q, want wireline", server)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "round trip" {
		t.Errorf("body = %q, want %q", body, "round trip")
	}
}

func TestKeepAliveReusesConnection(t *testing.T) {
	_, addr, _ := startServer(t, Config{}, &echoApp{})

	// A single raw connection carrying two sequential requests.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	for _, path := range []string{"/first", "/second"} {
		if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: t\r\n\r\n", path); err != nil {
			t.Fatalf("write error: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 4096)
		var got []byte
		for !strings.Contains(string(got), path) {
			n, err := conn.Read(buf)
			if err != nil {
				t.Fatalf("read error waiting for %s: %v", path, err)
			}
			got = append(got, buf[:n]...)
		}
		if !strings.Contains(string(got), "HTTP/1.1 200 OK") {
			t.Errorf("response for %s = %q", path, got)
		}
	}
}

func TestMalformedRequestGets400(t *testing.T) {
	_, addr, _ := startServer(t, Config{}, &echoApp{})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	fmt.Fprint(conn, "GARBAGE\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(string(raw), "HTTP/1.1 400 Bad Request") {
		t.Errorf("response = %q", raw)
	}
}

func TestWebSocketEcho(t *testing.T) {
	_, addr, _ := startServer(t, Config{}, &echoApp{})

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial("ws://"+addr+"/chat", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	// The 101 accept is written by the frame layer, not the HTTP serializer,
	// so it carries no identity header.
	if server := resp.Header.Get("Server"); server != "" {
		t.Errorf("Server header on 101 = %q, want none", server)
	}

	for _, msg := range []string{"marco", "polo"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage error: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage error: %v", err)
		}
		if mt != websocket.TextMessage || string(data) != msg {
			t.Errorf("echo = %d %q, want text %q", mt, data, msg)
		}
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func TestWebSocketMessageLimit(t *testing.T) {
	_, addr, _ := startServer(t, Config{MaxMessageSize: 64}, &echoApp{})

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws://"+addr+"/chat", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 100)); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseMessageTooBig {
		t.Errorf("ReadMessage error = %v, want close 1009", err)
	}
}

func TestRateLimitedAccept(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, 1, 100)
	defer limiter.Close()

	_, addr, _ := startServer(t, Config{RateLimit: limiter}, &echoApp{})

	// First connection is admitted.
	resp, err := http.Get("http://" + addr + "/ok")
	if err != nil {
		t.Fatalf("first request error: %v", err)
	}
	resp.Body.Close()

	// The bucket is empty: the next connection is dropped at accept.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("limited connection read = %v, want EOF", err)
	}
}

func TestAdmitReturnsRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, 1, 100)
	defer limiter.Close()

	srv := New(Config{RateLimit: limiter, Logger: slog.New(slog.NewTextHandler(os.Stdout, nil))}, &echoApp{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if err := srv.admit(server); err != nil {
		t.Fatalf("first admit error: %v", err)
	}
	if err := srv.admit(server); !errors.Is(err, cerrors.ErrRateLimited) {
		t.Errorf("second admit error = %v, want ErrRateLimited", err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	srv, _, cancel := startServer(t, Config{}, &echoApp{})
	_ = srv

	cancel()
	// Cleanup asserts the listener exits within the shutdown budget.
}
