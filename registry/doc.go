// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maps Matrix rooms to agent sessions.
//
// A conversation has at most one live (non-terminal) session. The
// Registry serializes every mutation for a conversation behind a
// per-conversation lock that is held across the remote create call,
// so two concurrent requests in the same room never create two
// sessions. Status changes flow only through the Registry, which
// writes them through to the store before updating memory.
//
// On startup [Registry.Reconcile] compares the persisted mapping with
// the server's session list and fails entries whose remote session
// disappeared while the bridge was down.
package registry
