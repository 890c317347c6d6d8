// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for wireline.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrProtocolViolation indicates the peer sent bytes that violate the
	// HTTP/1.1 grammar. Fatal for the connection.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrLocalProtocolError indicates our side attempted an operation that is
	// invalid in the current connection state.
	ErrLocalProtocolError = errors.New("local protocol error")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCycleIncomplete indicates a keep-alive reuse was attempted before
	// both sides of the connection reached a clean end of cycle.
	ErrCycleIncomplete = errors.New("request cycle incomplete")

	// ErrFrameTooLarge indicates a WebSocket message exceeded the configured
	// maximum aggregate size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrStreamClosed indicates an operation on a stream that has already
	// been closed.
	ErrStreamClosed = errors.New("stream closed")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ConnError wraps an error with per-connection context.
type ConnError struct {
	Op         string // Operation that failed
	Protocol   string // Protocol (http, websocket)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
