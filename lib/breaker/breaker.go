// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
)

// State is the breaker's position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config sets the trip condition.
type Config struct {
	// Threshold consecutive failures trip the breaker.
	Threshold int `yaml:"threshold"`
	// Window bounds the streak: a failure more than Window after the
	// first failure of the current streak starts a new streak.
	Window time.Duration `yaml:"window"`
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration `yaml:"cooldown"`
}

// OpenError is returned by Allow while calls are refused.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %v", e.Remaining.Round(time.Second))
}

// Breaker counts consecutive upstream failures and, once tripped,
// refuses calls until the cooldown elapses. After the cooldown one
// probe call is let through: success closes the circuit, failure
// reopens it for another cooldown. Safe for concurrent use.
type Breaker struct {
	config Config
	clock  clock.Clock

	mu          sync.Mutex
	state       State
	failures    int
	streakStart time.Time
	openUntil   time.Time
	probing     bool
	trips       int
}

// New returns a closed breaker. A Threshold below 1 is treated as 1.
func New(config Config, clk clock.Clock) *Breaker {
	if config.Threshold < 1 {
		config.Threshold = 1
	}
	return &Breaker{config: config, clock: clk}
}

// Allow reports whether a call may proceed. It returns *OpenError when
// the circuit is open or a half-open probe is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Before(b.openUntil) {
			return &OpenError{Remaining: b.openUntil.Sub(now)}
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	default:
		if b.probing {
			return &OpenError{}
		}
		b.probing = true
		return nil
	}
}

// Success records a call that reached the upstream service and got an
// answer.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// Failure records an upstream failure. It reports whether this call
// tripped the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == HalfOpen {
		b.trip(now)
		return true
	}
	if b.failures == 0 || (b.config.Window > 0 && now.Sub(b.streakStart) > b.config.Window) {
		b.failures = 0
		b.streakStart = now
	}
	b.failures++
	if b.state == Closed && b.failures >= b.config.Threshold {
		b.trip(now)
		return true
	}
	return false
}

// trip must be called with b.mu held.
func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openUntil = now.Add(b.config.Cooldown)
	b.failures = 0
	b.probing = false
	b.trips++
}

// Release gives back a half-open probe slot when the probing call
// ended without reaching the upstream service (cancelled, or refused
// before sending).
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Stats is a point-in-time view for status replies and logs.
type Stats struct {
	State     State
	Failures  int
	Trips     int
	OpenUntil time.Time
}

// Stats returns the current counters. An open breaker whose cooldown
// has passed reports HalfOpen.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state
	if state == Open && !b.clock.Now().Before(b.openUntil) {
		state = HalfOpen
	}
	return Stats{State: state, Failures: b.failures, Trips: b.trips, OpenUntil: b.openUntil}
}
