// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration codebeep uses for blobs it
// writes to its own state database: the processed-event snapshot and
// per-session metadata. Everything that crosses the network stays JSON.
//
// Types that are only ever stored use `cbor` tags. Types shared with
// a JSON surface keep their `json` tags, which fxamacker/cbor reads as
// a fallback.
package codec
