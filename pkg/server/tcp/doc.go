// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP server hosting the wireline protocol engine.
//
// # Overview
//
// The server accepts connections and runs one protocol engine per
// connection. The engine owns all protocol state; this package only moves
// bytes between the socket and the engine.
//
// # Connection Flow
//
//  1. Client connects, optional per-host rate limiting at accept time
//  2. TLS handshake (when configured) and peer certificate extraction
//  3. An engine is created with a send callback writing to the socket
//  4. A read loop feeds socket bytes into the engine
//  5. Each read waits on the engine's readiness gate, which closes while a
//     pipelined request is paused behind an unconsumed response
//  6. On EOF or error the closed signal is delivered and the socket closed
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. The listener closes, stopping new connections
//  2. Existing connections drain, bounded by ShutdownTimeout
//  3. After the timeout remaining sockets are force-closed and
//     ErrShutdownTimeout is returned
//
// # TLS Support
//
// Optional TLS termination:
//
//	cfg := tcp.Config{
//		Address:   ":8443",
//		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
//	}
//
// # Configuration
//
//   - Address: listen address (e.g., ":8080")
//   - TLSConfig: optional TLS configuration
//   - ShutdownTimeout: max wait for graceful shutdown (default: 30s)
//   - ReadBufferSize: per-connection read buffer size
//   - MaxIncompleteSize: bound on an incomplete HTTP message head
//   - MaxMessageSize: bound on an assembled WebSocket message
//   - RateLimit: optional per-host connection admission
//   - Metrics, Logger: instrumentation
package tcp
