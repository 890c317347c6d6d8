// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package events defines the signals exchanged between a protocol engine and
// the transport that drives it. The transport feeds RawData and Closed into
// the engine; the engine emits RawData to be written out, Closed when the
// connection must be torn down, and Updated when a keep-alive cycle completed
// and the connection should stay open.
package events

// Event is a signal crossing the transport boundary.
type Event interface {
	transportEvent()
}

// RawData carries opaque bytes in either direction.
type RawData struct {
	Data []byte
}

// Closed signals that the connection is finished. Sent by the transport when
// the peer disconnects, and by the engine when the connection must be closed.
type Closed struct{}

// Updated signals that the engine recycled the connection after a completed
// request/response cycle and the transport should keep it open.
type Updated struct{}

func (RawData) transportEvent() {}
func (Closed) transportEvent()  {}
func (Updated) transportEvent() {}
