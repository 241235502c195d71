// Package retry retries transient failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes how many times and how patiently to retry.
type Policy struct {
	MaxAttempts int           // 0 retries forever
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap on any single wait
	Multiplier  float64
	Jitter      float64 // fraction of the wait randomized in both directions, 0-1
}

// DefaultPolicy suits local storage contention: a handful of quick retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		InitialWait: 25 * time.Millisecond,
		MaxWait:     time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Retryable marks err as transient. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsRetryable reports whether err, or anything it wraps, was marked transient.
func IsRetryable(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Do runs fn until it succeeds, returns a non-transient error, the policy is
// exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Wait returns the pause after the given failed attempt, counting from 1:
// InitialWait grown by Multiplier per attempt, capped at MaxWait, then
// jittered.
func (p Policy) Wait(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	w := float64(p.InitialWait) * math.Pow(mult, float64(attempt-1))
	if p.MaxWait > 0 && w > float64(p.MaxWait) {
		w = float64(p.MaxWait)
	}
	if p.Jitter > 0 {
		w += w * p.Jitter * (rand.Float64()*2 - 1)
	}
	if w < 0 {
		return 0
	}
	return time.Duration(w)
}
