// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"

	"github.com/bureau-foundation/codebeep/lib/ref"
)

func TestAuthorizeEmptyListAllowsEveryone(t *testing.T) {
	authorizer := NewAuthorizer(nil)
	if got := authorizer.Authorize(ref.MustParseUserID("@anyone:test.local"), ref.MustParseRoomID("!r:test.local")); got != Allowed {
		t.Errorf("Authorize = %s, want allowed", got)
	}
}

func TestAuthorizeDeniesOncePerUserAndRoom(t *testing.T) {
	alice := ref.MustParseUserID("@alice:test.local")
	mallory := ref.MustParseUserID("@mallory:test.local")
	roomA := ref.MustParseRoomID("!a:test.local")
	roomB := ref.MustParseRoomID("!b:test.local")
	authorizer := NewAuthorizer([]ref.UserID{alice})

	if got := authorizer.Authorize(alice, roomA); got != Allowed {
		t.Errorf("alice = %s, want allowed", got)
	}
	sequence := []struct {
		room ref.RoomID
		want Decision
	}{
		{roomA, Denied},
		{roomA, DeniedQuiet},
		{roomA, DeniedQuiet},
		{roomB, Denied},
		{roomB, DeniedQuiet},
	}
	for i, step := range sequence {
		if got := authorizer.Authorize(mallory, step.room); got != step.want {
			t.Errorf("step %d: Authorize(mallory, %s) = %s, want %s", i, step.room, got, step.want)
		}
	}
}
