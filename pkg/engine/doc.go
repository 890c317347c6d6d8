// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package engine orchestrates the full per-connection protocol lifecycle.
//
// # Architecture Overview
//
// An Engine owns one framing strategy (the HTTP/1.1 parser, or a pass-through
// shim after a WebSocket upgrade) and at most one active stream adapter. The
// transport feeds it RawData and Closed events; the engine drives the parser,
// detects upgrade requests, creates the right adapter, answers
// Expect: 100-continue, recycles the connection after each completed cycle,
// and terminates on error or close.
//
// # Draining and backpressure
//
// The draining loop pulls framing events until the parser reports
// NeedMoreData or Paused. Paused clears the readiness gate: the transport's
// read loop must wait on the gate before reading again, which realizes the
// pipelining guarantee -- a second request may be parsed while the first
// response is in flight, but is not dispatched until the connection has been
// recycled.
//
// # Errors
//
// A protocol violation produces exactly one 400 response (with
// Connection: close and Content-Length: 0) followed by a Closed signal.
// No error is silently swallowed: every failure path ends in an explicit
// error response or an explicit close signal.
package engine
