// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"sync"

	"github.com/bureau-foundation/codebeep/lib/ref"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Allowed lets the command through.
	Allowed Decision = iota
	// Denied refuses the command and asks for the denial notice.
	Denied
	// DeniedQuiet refuses the command; the notice was already sent to
	// this user in this conversation.
	DeniedQuiet
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case DeniedQuiet:
		return "denied-quiet"
	}
	return "unknown"
}

// Authorizer checks senders against the allowed participant set.
// Safe for concurrent use.
type Authorizer struct {
	allowed map[ref.UserID]bool

	mu       sync.Mutex
	notified map[denialKey]bool
}

type denialKey struct {
	user ref.UserID
	room ref.RoomID
}

// NewAuthorizer returns an Authorizer over users. An empty list
// allows everyone.
func NewAuthorizer(users []ref.UserID) *Authorizer {
	authorizer := &Authorizer{notified: make(map[denialKey]bool)}
	if len(users) > 0 {
		authorizer.allowed = make(map[ref.UserID]bool, len(users))
		for _, user := range users {
			authorizer.allowed[user] = true
		}
	}
	return authorizer
}

// Permits reports whether the user is in the allowed set.
func (a *Authorizer) Permits(user ref.UserID) bool {
	return a.allowed == nil || a.allowed[user]
}

// Authorize decides on a command. The first denial for a (user,
// conversation) pair returns Denied; later ones return DeniedQuiet so
// a persistent sender cannot make the bot spam the room.
func (a *Authorizer) Authorize(issuedBy ref.UserID, conversationID ref.RoomID) Decision {
	if a.Permits(issuedBy) {
		return Allowed
	}
	key := denialKey{user: issuedBy, room: conversationID}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notified[key] {
		return DeniedQuiet
	}
	a.notified[key] = true
	return Denied
}
