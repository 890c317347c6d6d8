// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package ws implements the server side of the WebSocket protocol (RFC 6455)
// over an externally driven byte stream: handshake negotiation, frame
// encoding/decoding, and frame-to-message assembly.
//
// # Architecture Overview
//
// A Conn is a sans-I/O state machine. The caller feeds it raw bytes with
// Receive and polls decoded events with NextEvent; outgoing operations
// (Accept, SendMessage, SendClose, ...) append wire bytes to an internal
// output buffer drained with BytesToSend. The caller owns the transport.
//
// The handshake phase reuses the HTTP/1.1 parser from pkg/wire, so a
// connection upgraded from an already-parsed HTTP request reaches the same
// state as one whose handshake bytes were read off the wire directly: the
// engine replays the parsed request through wire.EncodeRequest.
//
// A MessageBuffer assembles data frames into complete text or binary
// messages, enforcing a maximum aggregate size at the byte that crosses the
// limit, never after full assembly.
//
// Extensions (permessage-deflate and friends) are not negotiated; offered
// extensions are ignored in the accept response.
package ws
