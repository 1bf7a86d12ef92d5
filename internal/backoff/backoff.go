// Package backoff computes bounded exponential retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff with optional jitter.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter spreads each delay uniformly over delay*(1-Jitter .. 1+Jitter).
	Jitter float64
	// MaxAttempts bounds the number of retries; 0 means unbounded.
	MaxAttempts int
}

// DefaultPolicy is 1s, 2s, 4s, 8s, 16s: five attempts, 31s in total.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Multiplier:  2,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Nominal returns the un-jittered delay before retry number attempt (1-based).
func (p Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Nominal(attempt)
	if p.Jitter <= 0 {
		return d
	}
	j := math.Min(p.Jitter, 1)
	// Add jitter: backoff * (1-j to 1+j)
	factor := 1 - j + rand.Float64()*2*j
	return time.Duration(float64(d) * factor)
}

// Exhausted reports whether attempt exceeds the policy's bound.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Total returns the sum of nominal delays across all attempts, 0 if unbounded.
func (p Policy) Total() time.Duration {
	var total time.Duration
	for i := 1; i <= p.MaxAttempts; i++ {
		total += p.Nominal(i)
	}
	return total
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn, retrying failures per the policy. It returns nil on the
// first success, the last error once attempts are exhausted, or ctx's error.
func Retry(ctx context.Context, p Policy, sleep SleepFunc, fn func(ctx context.Context) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	err := fn(ctx)
	for attempt := 1; err != nil && !p.Exhausted(attempt); attempt++ {
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return serr
		}
		err = fn(ctx)
	}
	return err
}
