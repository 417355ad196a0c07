// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a consecutive-failure circuit breaker
// with a streak window, a cooldown, and a single half-open probe.
//
// The router consults it before any command that would create an
// agent session: while open, the command is answered with a
// degraded-service notice and no upstream request is made.
//
//	if err := b.Allow(); err != nil {
//	    return degraded(err)
//	}
//	err := call()
//	if isUpstreamFailure(err) {
//	    b.Failure()
//	} else {
//	    b.Success()
//	}
package breaker
