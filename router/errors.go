// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"

	"github.com/bureau-foundation/codebeep/lib/breaker"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/opencode"
)

// Kind is the failure taxonomy every error is folded into before it
// reaches a reply.
type Kind int

const (
	KindNone Kind = iota
	// KindUpstreamUnavailable is a network failure, timeout or 5xx from
	// the agent server. Retried.
	KindUpstreamUnavailable
	// KindUpstreamProtocol is a response the decoder could not use.
	// Never retried; the raw payload is logged and archived.
	KindUpstreamProtocol
	// KindSessionNotFound means the server forgot the session. The
	// caller recreates it and retries once.
	KindSessionNotFound
	// KindRateLimited is M_LIMIT_EXCEEDED or a 429 from the homeserver.
	KindRateLimited
	// KindUnauthorized is a command from a user outside the allow list.
	KindUnauthorized
	// KindDuplicateEvent is an event already processed. Dropped, never
	// answered.
	KindDuplicateEvent
	// KindCircuitOpen means new tasks are paused after repeated
	// upstream failures.
	KindCircuitOpen
	// KindInternal is everything else.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamProtocol:
		return "upstream_protocol_error"
	case KindSessionNotFound:
		return "session_not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindDuplicateEvent:
		return "duplicate_event"
	case KindCircuitOpen:
		return "circuit_open"
	}
	return "internal"
}

var (
	// ErrUnauthorized marks a command refused by the allow list.
	ErrUnauthorized = errors.New("router: sender is not authorized")
	// ErrDuplicateEvent marks an event the processed log already holds.
	ErrDuplicateEvent = errors.New("router: duplicate event")
)

// Classify folds err into a Kind. Wrapped errors (including retry
// exhaustion) classify by what they wrap.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var openErr *breaker.OpenError
	var statusErr *opencode.StatusError
	switch {
	case errors.As(err, &openErr):
		return KindCircuitOpen
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrDuplicateEvent):
		return KindDuplicateEvent
	case opencode.IsSessionNotFound(err):
		return KindSessionNotFound
	case opencode.IsUnavailable(err):
		return KindUpstreamUnavailable
	case errors.As(err, &statusErr):
		return KindUpstreamProtocol
	}
	if _, ok := opencode.AsProtocolError(err); ok {
		return KindUpstreamProtocol
	}
	if _, limited := messaging.RateLimit(err); limited {
		return KindRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamUnavailable
	}
	return KindInternal
}

// UserMessage is the stable reply text for a kind. KindNone and
// KindDuplicateEvent map to the empty string: nothing is sent.
func UserMessage(kind Kind) string {
	switch kind {
	case KindNone, KindDuplicateEvent:
		return ""
	case KindUpstreamUnavailable:
		return "The coding agent is not reachable right now. Try again in a moment."
	case KindUpstreamProtocol:
		return "The coding agent sent a response I could not understand. The details were logged."
	case KindSessionNotFound:
		return "The session was lost on the agent server and could not be recreated. Try again."
	case KindRateLimited:
		return "The chat server is rate limiting me. Try again shortly."
	case KindUnauthorized:
		return "You are not authorized to use this bot."
	case KindCircuitOpen:
		return "The coding agent is failing repeatedly, so new tasks are paused. Try again in a minute."
	}
	return "Something went wrong, try again."
}
