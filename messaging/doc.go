// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// the bridge needs: password or token login, room creation, joins and
// invites, alias resolution, message sends, typing notifications, and
// the /sync long-poll loop.
//
// [Client] is unauthenticated and holds the homeserver URL and HTTP
// transport. [Client.Login] and [Client.SessionFromToken] return a
// [DirectSession] whose access token lives in a secret.Buffer; callers
// must Close it. Code that only needs the operations the bridge uses
// depends on the [Session] interface.
//
// All API errors are returned as [*MatrixError]. [RateLimit] extracts
// the server's requested wait from M_LIMIT_EXCEEDED responses
// (retry_after_ms or the Retry-After header) and [IsTransient]
// separates retryable failures from permanent 4xx rejections.
//
// Sends retried with the same transaction ID are deduplicated by the
// homeserver. [TransactionID] derives a stable ID from the identity
// of a logical message so that a retried reply never posts twice.
package messaging
