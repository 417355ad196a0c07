// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/retry"
)

// SyncConfig configures the /sync long-poll loop.
type SyncConfig struct {
	// Filter is the inline JSON filter restricting which event types
	// the homeserver returns.
	Filter string

	// Timeout is the long-poll timeout in milliseconds. Default: 30000.
	Timeout int

	// Backoff schedules retries after failed polls. Attempts is
	// ignored: the loop never gives up.
	Backoff retry.Policy
}

// SyncHandler is called for each /sync response. The next poll starts
// after the handler returns.
type SyncHandler func(ctx context.Context, response *SyncResponse)

// InitialSync performs the first /sync with no since token and a zero
// timeout. Returns the next_batch token and the response, from which
// the caller learns pending invites without replaying old history.
func InitialSync(ctx context.Context, session Session, filter string) (string, *SyncResponse, error) {
	response, err := session.Sync(ctx, SyncOptions{
		Filter:     filter,
		SetTimeout: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("initial sync: %w", err)
	}
	return response.NextBatch, response, nil
}

// RunSyncLoop polls /sync from sinceToken until ctx is cancelled,
// calling handler for each response. Failed polls back off per
// config.Backoff, waiting at least as long as a rate-limit response
// asks. The backoff resets after every successful poll.
func RunSyncLoop(ctx context.Context, session Session, config SyncConfig, sinceToken string, handler SyncHandler, clk clock.Clock, logger *slog.Logger) {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30000
	}

	failures := 0
	for ctx.Err() == nil {
		options := SyncOptions{
			Since:      sinceToken,
			Timeout:    timeout,
			SetTimeout: true,
			Filter:     config.Filter,
		}

		response, err := session.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			hint, _ := RateLimit(err)
			backoff := config.Backoff.Wait(failures, hint)
			if backoff <= 0 {
				backoff = time.Second
			}
			logger.Error("sync failed, retrying", "error", err, "backoff", backoff, "failures", failures)
			if waitErr := clock.Wait(ctx, clk, backoff); waitErr != nil {
				return
			}
			continue
		}

		failures = 0
		sinceToken = response.NextBatch
		handler(ctx, response)
	}
}
