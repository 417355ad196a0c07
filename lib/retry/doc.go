// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry runs an operation under a named exponential backoff
// schedule (base, multiplier, cap, attempt count).
//
// Callers supply a Classifier that turns an error into a Verdict: stop,
// retry on schedule, or retry no sooner than a server hint. Matrix
// M_LIMIT_EXCEEDED maps to RetryAfter(retry_after_ms); an unreachable
// agent server maps to Again; a response that cannot be decoded maps to
// Stop, since asking again yields the same bytes.
//
//	err := policy.Do(ctx, clk, classify, func(ctx context.Context) error {
//	    _, err := session.CreateRoom(ctx, request)
//	    return err
//	})
package retry
