// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"

	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/watcher"
)

// eventSource adapts the agent client to watcher.Source.
type eventSource struct {
	*opencode.Client
}

var _ watcher.Source = eventSource{}

func (s eventSource) Subscribe(ctx context.Context) (watcher.Stream, error) {
	stream, err := s.Client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
