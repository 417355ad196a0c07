// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedup provides the bounded processed-event log the router
// consults before dispatching a command. An identifier recorded here
// never dispatches again while it is retained.
package dedup
