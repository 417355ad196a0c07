// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// derivedPrefix starts every transaction ID this client mints.
const derivedPrefix = "cb"

// TransactionID derives a stable transaction ID from the parts that
// identify one logical send (typically a request ID and a chunk
// index). Resending the same parts reuses the ID, so the homeserver
// drops the duplicate.
func TransactionID(parts ...string) string {
	hasher := blake3.New()
	for _, part := range parts {
		// Length prefix keeps ("ab","c") distinct from ("a","bc").
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(part)))
		hasher.Write(length[:])
		hasher.Write([]byte(part))
	}
	sum := hasher.Sum(nil)
	return derivedPrefix + hex.EncodeToString(sum[:16])
}

// IsOwnTransaction reports whether a transaction ID (as echoed in an
// event's unsigned block) was minted by this client.
func IsOwnTransaction(transactionID string) bool {
	return strings.HasPrefix(transactionID, derivedPrefix)
}
