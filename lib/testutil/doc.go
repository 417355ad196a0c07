// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by codebeep tests.
//
// [RequireReceive], [RequireNoReceive] and [RequireClosed] wrap the
// select-with-timeout pattern. They are the only place tests touch the
// wall clock; everything else runs on [clock.Fake].
//
// [DiscardLogger] satisfies the Logger field of config structs.
package testutil
