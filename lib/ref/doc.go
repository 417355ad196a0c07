// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for the Matrix
// identifiers the bridge passes around: room IDs, user IDs, room
// aliases and event IDs.
//
// Strings from the homeserver are parsed once at the messaging
// boundary. Past that point a RoomID cannot be confused with a
// session ID or a user ID, and the zero value means "unset".
package ref
