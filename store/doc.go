// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the bridge's state in SQLite: the
// conversation to session mapping, the processed event snapshot, the
// command room bootstrap outcome, and an archive of agent server
// responses that failed to decode.
//
// Structured values that are never queried (session metadata, the
// processed event snapshot, bootstrap state) are CBOR blobs. Archived
// payloads are zstd-compressed.
package store
