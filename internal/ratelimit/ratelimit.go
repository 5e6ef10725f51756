// Package ratelimit spaces out calls to the enrichment service.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultInterval is the pause after each enrichment attempt.
const DefaultInterval = 2 * time.Second

// Governor blocks after an enrichment attempt. It is called once per attempted
// item, successful or not, and never for items that were skipped.
type Governor interface {
	Throttle(ctx context.Context) error
}

// Recorder is implemented by governors that adapt to call outcomes.
type Recorder interface {
	Record(success bool)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fixed waits the same interval every time.
type Fixed struct {
	interval time.Duration
	sleep    SleepFunc
}

// NewFixed creates a fixed-delay governor. A zero interval uses DefaultInterval.
func NewFixed(interval time.Duration, sleep SleepFunc) *Fixed {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sleep == nil {
		sleep = Sleep
	}
	return &Fixed{interval: interval, sleep: sleep}
}

func (f *Fixed) Throttle(ctx context.Context) error {
	return f.sleep(ctx, f.interval)
}

// Adaptive waits the base interval while calls succeed and backs off
// exponentially, up to a ceiling, while they fail.
type Adaptive struct {
	mu      sync.Mutex
	base    time.Duration
	current time.Duration
	bo      *backoff.ExponentialBackOff
	sleep   SleepFunc
}

// NewAdaptive creates an adaptive governor.
func NewAdaptive(base, max time.Duration, sleep SleepFunc) *Adaptive {
	if base <= 0 {
		base = DefaultInterval
	}
	if max < base {
		max = base
	}
	if sleep == nil {
		sleep = Sleep
	}
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(2*base),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return &Adaptive{base: base, current: base, bo: bo, sleep: sleep}
}

// Record adjusts the next delay from the outcome of the last enrichment call.
func (a *Adaptive) Record(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.bo.Reset()
		a.current = a.base
		return
	}
	next := a.bo.NextBackOff()
	if next == backoff.Stop || next > a.bo.MaxInterval {
		next = a.bo.MaxInterval
	}
	a.current = next
}

// Current returns the delay the next Throttle will wait.
func (a *Adaptive) Current() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Adaptive) Throttle(ctx context.Context) error {
	return a.sleep(ctx, a.Current())
}

// New builds the governor named by strategy ("fixed" or "adaptive").
func New(strategy string, interval, max time.Duration) Governor {
	if strategy == "adaptive" {
		return NewAdaptive(interval, max, nil)
	}
	return NewFixed(interval, nil)
}
