// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgewire/wireline/pkg/bufpool"
	cerrors "github.com/edgewire/wireline/pkg/errors"
	"github.com/edgewire/wireline/pkg/engine"
	"github.com/edgewire/wireline/pkg/events"
	"github.com/edgewire/wireline/pkg/handler"
	"github.com/edgewire/wireline/pkg/metrics"
	"github.com/edgewire/wireline/pkg/ratelimit"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections to
	// drain during graceful shutdown. After this timeout, remaining
	// connections are forcefully closed.
	ShutdownTimeout time.Duration

	// ReadBufferSize is the size of per-connection read buffers.
	ReadBufferSize int

	// MaxIncompleteSize bounds an incomplete HTTP message head.
	MaxIncompleteSize int

	// MaxMessageSize bounds an assembled WebSocket message.
	MaxMessageSize int

	// ServerHeader is the identity token injected into every response.
	ServerHeader string

	// RateLimit optionally gates connection admission per remote host.
	RateLimit *ratelimit.Limiter

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP connections and runs a protocol engine on each one.
type Server struct {
	config Config
	app    handler.Handler
	bufs   *bufpool.Pool
	wg     sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new TCP server hosting the given application handler.
func New(cfg Config, app handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config: cfg,
		app:    app,
		bufs:   bufpool.New(cfg.ReadBufferSize),
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.config.Logger.Info("TCP server started", slog.String("address", s.config.Address))

	// Connections get their own context so forced closure during shutdown
	// stays under our control.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			if err := s.admit(conn); err != nil {
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.runConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		// Cancel context to force close remaining connections
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// admit applies per-host rate limiting at accept time. A refused connection
// yields ErrRateLimited.
func (s *Server) admit(conn net.Conn) error {
	if s.config.RateLimit == nil {
		return nil
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	if s.config.RateLimit.Allow(host) {
		return nil
	}

	if s.config.Metrics != nil {
		s.config.Metrics.RateLimitedConnections.Inc()
	}
	s.config.Logger.Debug("connection rate limited", slog.String("remote", conn.RemoteAddr().String()))
	return cerrors.New("admit", "tcp", "", conn.RemoteAddr().String(), cerrors.ErrRateLimited)
}

// runConn wraps handleConn with connection lifecycle metrics.
func (s *Server) runConn(ctx context.Context, conn net.Conn) error {
	if s.config.Metrics == nil {
		return s.handleConn(ctx, conn)
	}
	return s.config.Metrics.ObserveConnection(func() error {
		return s.handleConn(ctx, conn)
	})
}

// handleConn drives a single client connection:
//  1. Completes the TLS handshake and extracts the peer certificate
//  2. Creates a protocol engine wired to the socket
//  3. Reads in a loop gated by the engine's readiness gate
//  4. Feeds bytes and the closed signal into the engine
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	// Force-close the socket when the server shuts down; this unblocks any
	// pending Read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sessionID := uuid.New().String()

	cfg := engine.Config{
		MaxIncompleteSize: s.config.MaxIncompleteSize,
		MaxMessageSize:    s.config.MaxMessageSize,
		ServerHeader:      s.config.ServerHeader,
		SessionID:         sessionID,
		Client:            conn.RemoteAddr().String(),
		Server:            conn.LocalAddr().String(),
		Logger:            s.config.Logger,
		Metrics:           s.config.Metrics,
	}

	// Extract client certificate if using TLS
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		cfg.TLS = true
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			cfg.Cert = state.PeerCertificates[0]
		}
	}

	var (
		writeMu   sync.Mutex
		closeOnce sync.Once
	)
	send := func(ctx context.Context, ev events.Event) error {
		switch ev := ev.(type) {
		case events.RawData:
			writeMu.Lock()
			_, err := conn.Write(ev.Data)
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
			if s.config.Metrics != nil {
				s.config.Metrics.BytesWritten.Add(float64(len(ev.Data)))
			}
			return nil
		case events.Closed:
			closeOnce.Do(func() { conn.Close() })
			return nil
		case events.Updated:
			return nil
		default:
			return nil
		}
	}

	eng := engine.New(ctx, cfg, s.app, send)

	s.config.Logger.Debug("connection established",
		slog.String("session", sessionID),
		slog.String("client", cfg.Client))

	err := s.readLoop(ctx, conn, eng)

	s.config.Logger.Debug("connection closed",
		slog.String("session", sessionID))

	return cerrors.New("read", "tcp", sessionID, cfg.Client, err)
}

// readLoop pulls bytes from the socket into the engine until the connection
// dies. Each read waits on the engine's gate, which closes while a request
// cycle is paused behind an unconsumed response.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, eng *engine.Engine) error {
	buf := s.bufs.Get()
	defer s.bufs.Put(buf)

	for {
		if err := eng.Gate().Wait(ctx); err != nil {
			return err
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if s.config.Metrics != nil {
				s.config.Metrics.BytesRead.Add(float64(n))
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if herr := eng.Handle(ctx, events.RawData{Data: data}); herr != nil {
				eng.Handle(ctx, events.Closed{})
				return herr
			}
		}
		if err != nil {
			eng.Handle(ctx, events.Closed{})
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
