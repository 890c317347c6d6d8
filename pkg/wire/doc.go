// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the HTTP/1.1 connection state machine: a pull-based
// parser that turns raw bytes into framing events, and a serializer that turns
// outgoing response events back into wire bytes.
//
// # Architecture Overview
//
// A Parser owns one side of a single TCP/TLS connection. Bytes are appended
// with Receive; no parsing happens until NextEvent is called. NextEvent
// returns one structural unit at a time -- a request head, a body chunk, an
// end-of-message marker -- or one of the sentinel events NeedMoreData, Paused,
// and ConnectionClosed.
//
// # Connection State
//
// The parser tracks two mirrored state machines, one per side of the
// connection. Our side (the server) moves
//
//	Idle -> SendResponse -> SendBody -> Done
//
// as the response is produced, and their side (the client) moves
//
//	Idle -> SendBody -> Done
//
// as the request is consumed. Either side ends in MustClose when keep-alive is
// off, in Closed when the transport is gone, or in Error after a protocol
// violation. A new request cycle may begin, via StartNextCycle, only once both
// sides reached Done.
//
// # Pipelining
//
// A second request may arrive while the first response is still being sent.
// The parser buffers it but reports Paused instead of surfacing the request;
// the caller must not poll again until the cycle has been restarted.
//
// # Flow
//
//	transport bytes -> Receive -> NextEvent loop -> framing events
//	response events -> Send -> wire bytes -> transport
package wire
