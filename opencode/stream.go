// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/codebeep/lib/netutil"
)

// EventStream is an open GET /event subscription.
type EventStream struct {
	body    io.ReadCloser
	scanner *sseScanner
	schema  *Schema
	logger  *slog.Logger
}

// Next blocks for the next decodable event. Payloads that fail to
// decode are logged with their raw text and skipped. Returns io.EOF
// when the server closes the stream, or the read error that broke it.
// Cancelling the context passed to Subscribe unblocks Next.
func (stream *EventStream) Next() (Event, error) {
	for stream.scanner.next() {
		data := stream.scanner.data()
		if strings.TrimSpace(data) == "" {
			continue
		}
		event, err := stream.schema.DecodeEvent([]byte(data))
		if err != nil {
			stream.logger.Warn("dropping undecodable event",
				"error", err,
				"payload", netutil.Truncate([]byte(data), netutil.MaxErrorBody),
			)
			continue
		}
		return event, nil
	}
	if err := stream.scanner.failure(); err != nil {
		return Event{}, fmt.Errorf("opencode: event stream: %w", err)
	}
	return Event{}, io.EOF
}

// Close ends the subscription.
func (stream *EventStream) Close() error {
	return stream.body.Close()
}
