// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDelaySchedule(t *testing.T) {
	policy := Policy{Base: time.Second, Multiplier: 2, Max: 10 * time.Second, Attempts: 6}
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for n, expected := range want {
		if got := policy.Delay(n); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", n, got, expected)
		}
	}
}

func TestDelayMultiplierBelowOne(t *testing.T) {
	policy := Policy{Base: time.Second, Multiplier: 0.5}
	if got := policy.Delay(4); got != time.Second {
		t.Errorf("Delay(4) = %v, want flat 1s", got)
	}
}

func TestValidate(t *testing.T) {
	if err := (Policy{Base: time.Second, Multiplier: 2, Max: time.Minute, Attempts: 3}).Validate(); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}
	if err := (Policy{Base: time.Minute, Max: time.Second, Attempts: 0}).Validate(); err == nil {
		t.Error("invalid policy accepted")
	}
}

var errTransient = errors.New("transient")

func alwaysRetry(error) Verdict { return Again }

func TestDoSucceedsAfterRetries(t *testing.T) {
	fake := clock.Fake(epoch)
	policy := Policy{Base: time.Second, Multiplier: 2, Max: time.Minute, Attempts: 5}

	calls := 0
	var waits []time.Duration
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(context.Background(), fake, alwaysRetry, func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		}, OnRetry(func(a Attempt) { waits = append(waits, a.Delay) }))
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "Do result"); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits = %v, want [1s 2s]", waits)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	policy := Policy{Base: time.Second, Attempts: 5}
	permanent := errors.New("bad payload")
	calls := 0
	err := policy.Do(context.Background(), clock.Fake(epoch), func(error) Verdict { return Stop }, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatal("permanent error reported as exhausted")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhausts(t *testing.T) {
	policy := Policy{Attempts: 3}
	calls := 0
	err := policy.Do(context.Background(), clock.Fake(epoch), alwaysRetry, func(context.Context) error {
		calls++
		return errTransient
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", exhausted.Attempts, calls)
	}
	if !errors.Is(err, errTransient) {
		t.Error("ExhaustedError does not unwrap to the last error")
	}
}

func TestDoHonorsHintWithinCap(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		wantWaits []time.Duration
	}{
		{
			name:      "hint longer than schedule",
			policy:    Policy{Base: time.Second, Multiplier: 2, Max: time.Minute, Attempts: 5},
			wantWaits: []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:      "schedule overtakes hint",
			policy:    Policy{Base: 3 * time.Second, Multiplier: 3, Max: time.Minute, Attempts: 5},
			wantWaits: []time.Duration{5 * time.Second, 9 * time.Second, 27 * time.Second},
		},
		{
			name:      "cap below hint",
			policy:    Policy{Base: time.Second, Multiplier: 2, Max: 4 * time.Second, Attempts: 5},
			wantWaits: []time.Duration{4 * time.Second, 4 * time.Second, 4 * time.Second},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := clock.Fake(epoch)
			limited := errors.New("limited")
			calls := 0
			done := make(chan error, 1)
			go func() {
				done <- test.policy.Do(context.Background(), fake,
					func(error) Verdict { return RetryAfter(5 * time.Second) },
					func(context.Context) error {
						calls++
						if calls <= 3 {
							return limited
						}
						return nil
					})
			}()

			var total time.Duration
			for _, wait := range test.wantWaits {
				fake.WaitForTimers(1)
				fake.Advance(wait)
				total += wait
			}
			if err := testutil.RequireReceive(t, done, 5*time.Second, "Do result"); err != nil {
				t.Fatalf("Do: %v", err)
			}
			if calls != 4 {
				t.Errorf("calls = %d, want 4", calls)
			}
			if elapsed := fake.Now().Sub(epoch); elapsed != total {
				t.Errorf("elapsed = %v, want %v", elapsed, total)
			}
		})
	}
}

func TestDoCancelledDuringWait(t *testing.T) {
	fake := clock.Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Base: time.Hour, Attempts: 3}
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, fake, alwaysRetry, func(context.Context) error { return errTransient })
	}()
	fake.WaitForTimers(1)
	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Do result"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
