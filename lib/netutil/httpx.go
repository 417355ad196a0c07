// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API body reads. Session listings from a
// long-lived agent server are the largest legitimate responses and
// stay well below this.
const MaxResponseSize int64 = 32 << 20

// MaxErrorBody bounds how much of an error body is kept for logs and
// error messages.
const MaxErrorBody = 4 << 10

// ReadResponse reads a JSON API response body up to MaxResponseSize.
// A body that reaches the limit is reported as an error rather than
// silently truncated, since a cut-off document will not decode.
func ReadResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return data, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, fmt.Errorf("response body exceeds %d bytes", MaxResponseSize)
	}
	return data, nil
}

// ErrorBody reads at most MaxErrorBody bytes of an error response for
// diagnostics. Read failures yield whatever was read.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBody))
	return string(data)
}

// Truncate shortens a raw payload for a log attribute.
func Truncate(data []byte, limit int) string {
	if len(data) <= limit {
		return string(data)
	}
	return fmt.Sprintf("%s...(%d bytes total)", data[:limit], len(data))
}
