// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"github.com/edgewire/wireline/pkg/errors"
)

// DefaultMaxMessageSize bounds the aggregate size of a single WebSocket
// message assembled from frames.
const DefaultMaxMessageSize = 16 * 1024 * 1024

// Message is a complete application-facing WebSocket message.
type Message struct {
	Binary bool
	Data   []byte
}

// MessageBuffer accumulates data frames into a complete message while
// enforcing a maximum aggregate size. The limit is checked the instant the
// running size crosses it, never after full assembly.
type MessageBuffer struct {
	max    int
	opcode Opcode
	data   []byte
	active bool
}

// NewMessageBuffer creates a buffer with the given maximum aggregate message
// size; zero selects DefaultMaxMessageSize.
func NewMessageBuffer(max int) *MessageBuffer {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &MessageBuffer{max: max}
}

// Extend appends a data frame's payload to the in-flight message. It returns
// ErrFrameTooLarge at the byte that crosses the configured maximum.
func (b *MessageBuffer) Extend(ev Data) error {
	if !b.active {
		b.active = true
		b.opcode = ev.Opcode
	}
	if len(b.data)+len(ev.Payload) > b.max {
		return errors.Wrap(errors.ErrFrameTooLarge, "message exceeds configured maximum")
	}
	b.data = append(b.data, ev.Payload...)
	return nil
}

// ToMessage returns the assembled message. Valid only once the final frame
// has been buffered; the caller must Clear afterwards.
func (b *MessageBuffer) ToMessage() Message {
	return Message{
		Binary: b.opcode == OpBinary,
		Data:   b.data,
	}
}

// Clear resets the buffer for the next message.
func (b *MessageBuffer) Clear() {
	b.data = nil
	b.active = false
	b.opcode = 0
}

// Len returns the running size of the in-flight message.
func (b *MessageBuffer) Len() int {
	return len(b.data)
}
