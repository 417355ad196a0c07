// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package opencode is a client for an OpenCode-style coding-agent
// server: session lifecycle, prompt submission, agent and command
// discovery, and the GET /event server-sent event feed.
//
// Every response body is decoded through a [Schema], which lists the
// JSON paths each field may appear under. Servers have shipped both a
// flat layout (createdAt, updatedAt) and a nested one (time.created,
// time.updated); both decode to the same [Session]. [LoadSchema] reads
// additional paths from a JSONC file so that a server release that
// renames a field needs a config change, not a rebuild.
//
// Failures are typed: [*UnavailableError] (no response or 5xx,
// retryable), [*ProtocolError] (response did not decode, carries the
// raw payload), [*SessionNotFoundError] and [*StatusError].
package opencode
