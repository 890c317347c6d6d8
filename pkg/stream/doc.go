// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package stream bridges framing events to the hosted application.
//
// # Architecture Overview
//
// A stream adapter represents one request/response cycle (HTTP) or one
// socket lifetime (WebSocket). The protocol engine creates exactly one
// adapter at a time per connection, feeds it incoming events (Request, Body,
// EndBody, RawData, StreamClosed), and receives outgoing events (Response,
// ResponseBody, ResponseEnd, RawData, StreamClosed) through a SendFunc.
//
// # Contract
//
// An adapter receives exactly one Request to initialize, then body or
// pass-through events, and exactly one terminal StreamClosed regardless of
// prior state. The adapter owns invoking the hosted application on its own
// goroutine and translating the application's output back into engine calls.
//
// # Variants
//
//   - HTTPStream: one request cycle. Application failure before any response
//     bytes maps to a 500; after, to an abrupt connection close.
//   - WSStream: the remainder of an upgraded connection. Owns the WebSocket
//     frame state machine and the message assembly buffer; oversized
//     messages close the connection with code 1009.
package stream
