// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package wire

// State is the position of one side of the connection in its request cycle.
type State int

const (
	// StateIdle means no request cycle is in progress on this side.
	StateIdle State = iota

	// StateSendResponse means a request head has been received and this side
	// owes the peer a response head.
	StateSendResponse

	// StateSendBody means a message head has been exchanged and body data may
	// still flow on this side.
	StateSendBody

	// StateDone means this side's message completed cleanly and the
	// connection may be recycled.
	StateDone

	// StateMustClose means this side's message completed but keep-alive is
	// not available; the connection must be torn down.
	StateMustClose

	// StateClosed means the transport is gone on this side.
	StateClosed

	// StateError means a protocol violation occurred; the connection is
	// unusable.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSendResponse:
		return "send_response"
	case StateSendBody:
		return "send_body"
	case StateDone:
		return "done"
	case StateMustClose:
		return "must_close"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
