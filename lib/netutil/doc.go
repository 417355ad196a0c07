// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds the HTTP body and network-error helpers shared
// by the Matrix and agent-server clients.
//
// Response helpers bound every JSON body read. They are not for event
// streams, which are read incrementally.
package netutil
