// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"encoding/binary"
	"fmt"

	"github.com/edgewire/wireline/pkg/errors"
)

// Opcode identifies a WebSocket frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Close codes produced or understood by this layer.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseNoStatus      = 1005
	CloseTooBig        = 1009
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	maxControlPayload = 125
)

// frame is a single decoded WebSocket frame.
type frame struct {
	fin     bool
	opcode  Opcode
	payload []byte
}

// decodeFrame parses one frame from buf. It returns the frame and the number
// of bytes consumed, or n == 0 when buf does not yet hold a complete frame.
// Frames are expected to come from a client: the mask bit must be set and the
// payload is unmasked in place in the returned copy.
func decodeFrame(buf []byte) (frame, int, error) {
	if len(buf) < 2 {
		return frame{}, 0, nil
	}
	b0, b1 := buf[0], buf[1]

	if b0&rsvBits != 0 {
		return frame{}, 0, errors.Wrap(errors.ErrProtocolViolation, "reserved frame bits set without negotiated extension")
	}
	opcode := Opcode(b0 & 0x0F)
	switch opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return frame{}, 0, errors.Wrap(errors.ErrProtocolViolation, fmt.Sprintf("unknown frame opcode %#x", byte(opcode)))
	}
	if b1&maskBit == 0 {
		return frame{}, 0, errors.Wrap(errors.ErrProtocolViolation, "client frame not masked")
	}

	fin := b0&finBit != 0
	length := int64(b1 & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return frame{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return frame{}, 0, nil
		}
		v := binary.BigEndian.Uint64(buf[offset:])
		if v > 1<<62 {
			return frame{}, 0, errors.Wrap(errors.ErrProtocolViolation, "frame length out of range")
		}
		length = int64(v)
		offset += 8
	}

	if opcode >= OpClose {
		if !fin {
			return frame{}, 0, errors.Wrap(errors.ErrProtocolViolation, "fragmented control frame")
		}
		if length > maxControlPayload {
			return frame{}, 0, errors.Wrap(errors.ErrProtocolViolation, "oversized control frame")
		}
	}

	if len(buf) < offset+4 {
		return frame{}, 0, nil
	}
	var mask [4]byte
	copy(mask[:], buf[offset:])
	offset += 4

	if int64(len(buf)) < int64(offset)+length {
		return frame{}, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, buf[offset:int64(offset)+length])
	for i := range payload {
		payload[i] ^= mask[i&3]
	}

	return frame{fin: fin, opcode: opcode, payload: payload}, offset + int(length), nil
}

// pendingLength parses only the header of the frame at the head of buf and
// returns its declared payload length, so a size limit can be enforced before
// the payload has been buffered. ok is false while too few bytes are held to
// know the length.
func pendingLength(buf []byte) (length int64, opcode Opcode, ok bool) {
	if len(buf) < 2 {
		return 0, 0, false
	}
	length = int64(buf[1] & 0x7F)
	switch length {
	case 126:
		if len(buf) < 4 {
			return 0, 0, false
		}
		length = int64(binary.BigEndian.Uint16(buf[2:]))
	case 127:
		if len(buf) < 10 {
			return 0, 0, false
		}
		v := binary.BigEndian.Uint64(buf[2:])
		if v > 1<<62 {
			v = 1 << 62
		}
		length = int64(v)
	}
	return length, Opcode(buf[0] & 0x0F), true
}

// encodeFrame serializes a single unmasked server frame.
func encodeFrame(opcode Opcode, payload []byte, fin bool) []byte {
	b0 := byte(opcode)
	if fin {
		b0 |= finBit
	}

	length := len(payload)
	out := make([]byte, 0, length+10)
	out = append(out, b0)
	switch {
	case length <= 125:
		out = append(out, byte(length))
	case length <= 0xFFFF:
		out = append(out, 126, 0, 0)
		binary.BigEndian.PutUint16(out[len(out)-2:], uint16(length))
	default:
		out = append(out, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(out[len(out)-8:], uint64(length))
	}
	return append(out, payload...)
}
