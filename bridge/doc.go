// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge runs codebeep: it connects a Matrix account to an
// agent server so that chat commands start agent sessions and their
// outcomes come back to the room.
//
// [Bridge] wires the components and owns the process lifecycle. On
// [Bridge.Run] it reconciles persisted sessions with the server and
// resumes watching the ones still working, starts the
// [watcher.Watcher], runs [Bootstrap] for the unencrypted command room,
// performs an initial sync that skips old history, and then feeds every
// /sync timeline event to the [router.Router]. Invites from permitted
// users are joined automatically.
//
// [Outbox] is the single outbound path. It implements both
// [router.Replier] and [watcher.Notifier]: texts are split at the
// configured length, rendered from markdown, rate limited, and sent as
// m.notice under transaction IDs derived from what they answer, so a
// retried send never posts twice. Every sent event ID goes into the
// shared processed log, which is how the router recognizes the echo.
//
// [Bootstrap] creates the command room, retrying M_LIMIT_EXCEEDED no
// sooner than the server asks and never longer than the policy's cap.
// When the attempts run out, the deferral is persisted and the operator
// is told once; the next start tries again.
package bridge
