// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"time"

	"github.com/bureau-foundation/codebeep/lib/ref"
)

// Session is every homeserver call the bridge makes. *DirectSession
// talks to a real server; tests use an in-memory fake.
type Session interface {
	UserID() ref.UserID
	Close() error
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// Command room bootstrap.
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)
	CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error)
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error

	// Membership.
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// Outbound. Every send names its transaction ID so a retry is
	// deduplicated by the server.
	SendEventTxn(ctx context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error)
	SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error

	// Inbound.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
}

var _ Session = (*DirectSession)(nil)
