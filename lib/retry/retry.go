// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
)

// Policy is an exponential backoff schedule. The zero value makes a
// single attempt.
type Policy struct {
	// Base is the wait before the second attempt.
	Base time.Duration `yaml:"base"`

	// Multiplier scales each successive wait. Values below 1 are
	// treated as 1.
	Multiplier float64 `yaml:"multiplier"`

	// Max caps every individual wait, including waits requested by a
	// retry-after hint.
	Max time.Duration `yaml:"max"`

	// Attempts is the total number of tries, first one included.
	Attempts int `yaml:"attempts"`
}

// Delay returns the wait before retry n, where n=1 is the wait between
// the first and second attempt.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.Base <= 0 {
		return 0
	}
	multiplier := math.Max(p.Multiplier, 1)
	delay := float64(p.Base) * math.Pow(multiplier, float64(n-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Wait combines the schedule with a server hint: never shorter than
// the hint, never longer than Max.
func (p Policy) Wait(n int, hint time.Duration) time.Duration {
	delay := max(p.Delay(n), hint)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Validate reports schedule values that cannot work.
func (p Policy) Validate() error {
	var errs []error
	if p.Attempts < 1 {
		errs = append(errs, fmt.Errorf("attempts must be at least 1, got %d", p.Attempts))
	}
	if p.Base < 0 || p.Max < 0 {
		errs = append(errs, fmt.Errorf("base and max must not be negative"))
	}
	if p.Max > 0 && p.Base > p.Max {
		errs = append(errs, fmt.Errorf("base %v exceeds max %v", p.Base, p.Max))
	}
	return errors.Join(errs...)
}

// Verdict is a classifier's answer for one failed attempt.
type Verdict struct {
	Retry bool
	// After is a server-provided minimum wait, zero when absent.
	After time.Duration
}

var (
	// Stop ends the loop and returns the error as is.
	Stop = Verdict{}
	// Again retries on the normal schedule.
	Again = Verdict{Retry: true}
)

// RetryAfter retries no sooner than hint.
func RetryAfter(hint time.Duration) Verdict { return Verdict{Retry: true, After: hint} }

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) Verdict

// ExhaustedError is returned when every attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Attempt describes one scheduled retry, passed to the OnRetry hook.
type Attempt struct {
	// Number is the attempt that just failed, starting at 1.
	Number int
	Delay  time.Duration
	Err    error
}

// Option adjusts a single Do call.
type Option func(*options)

type options struct {
	onRetry func(Attempt)
}

// OnRetry is called before each wait. Use it for logging.
func OnRetry(hook func(Attempt)) Option {
	return func(o *options) { o.onRetry = hook }
}

// Do calls fn until it succeeds, classify says stop, the attempts run
// out, or ctx ends. Waits run on clk.
func (p Policy) Do(ctx context.Context, clk clock.Clock, classify Classifier, fn func(context.Context) error, opts ...Option) error {
	var settings options
	for _, opt := range opts {
		opt(&settings)
	}
	attempts := max(p.Attempts, 1)

	for number := 1; ; number++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		verdict := classify(err)
		if !verdict.Retry {
			return err
		}
		if number >= attempts {
			return &ExhaustedError{Attempts: number, Last: err}
		}

		delay := p.Wait(number, verdict.After)
		if settings.onRetry != nil {
			settings.onRetry(Attempt{Number: number, Delay: delay, Err: err})
		}
		if err := clock.Wait(ctx, clk, delay); err != nil {
			return err
		}
	}
}
