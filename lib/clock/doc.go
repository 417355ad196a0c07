// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that backoff
// delays, circuit-breaker cooldowns, and reconnect waits can be driven
// deterministically in tests.
//
// Components take a Clock in their config struct. Production wiring
// passes Real(). Tests pass Fake(epoch), start the goroutine under
// test, call WaitForTimers until the goroutine has parked on its
// timer, then Advance past the deadline:
//
//	fake := clock.Fake(epoch)
//	go policy.Do(ctx, fake, attempt)
//	fake.WaitForTimers(1)
//	fake.Advance(2 * time.Second)
//
// Use Wait for cancellable sleeps instead of selecting on a timer by
// hand; it stops the timer when the context ends.
package clock
