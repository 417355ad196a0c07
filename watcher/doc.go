// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher follows agent sessions over the server's event feed.
//
// A single subscription is shared by every watched session and
// demultiplexed by session ID. Each watched session receives exactly
// one terminal notice (completed or failed). When the feed drops the
// watcher resubscribes on a backoff schedule and tells each watched
// session, once per outage, that its status is unknown. Events the
// server replays after a reconnect are recognized by message ID and
// dropped.
package watcher
