// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/codebeep/lib/netutil"
)

// UnavailableError means the agent server could not be reached or
// answered with a 5xx. Retryable.
type UnavailableError struct {
	Op string
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("opencode: %s: server unavailable (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("opencode: %s: server unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ProtocolError means a response arrived but could not be decoded
// into the expected shape. Not retryable. Raw holds the payload for
// diagnosis.
type ProtocolError struct {
	Op  string
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("opencode: %s: undecodable response: %v (payload %s)",
		e.Op, e.Err, netutil.Truncate(e.Raw, 256))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SessionNotFoundError means the server no longer knows the session.
// The caller recreates the session and retries once.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("opencode: session %s not found", e.SessionID)
}

// StatusError is any other non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("opencode: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnavailable reports whether err is an *UnavailableError.
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// IsSessionNotFound reports whether err is a *SessionNotFoundError.
func IsSessionNotFound(err error) bool {
	var target *SessionNotFoundError
	return errors.As(err, &target)
}

// AsProtocolError extracts a *ProtocolError from err.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var target *ProtocolError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
