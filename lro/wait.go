package lro

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitPolicy returns the delay before the next poll.
// attempt counts the polls performed so far and starts at 1. retryAfter is the server-suggested delay
// from the last response, or zero.
type WaitPolicy func(attempt int, retryAfter time.Duration) time.Duration

// NewExponentialWaitPolicy returns a policy that doubles the delay from initial up to maxInterval.
// A server-supplied Retry-After always takes precedence. The policy restarts from initial whenever
// attempt is 1, so one value can serve consecutive waits, but not concurrent ones.
func NewExponentialWaitPolicy(initial, maxInterval time.Duration) WaitPolicy {
	if initial <= 0 {
		initial = DefaultPollInterval
	}
	if maxInterval < initial {
		maxInterval = initial
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var mu sync.Mutex
	return func(attempt int, retryAfter time.Duration) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		if attempt <= 1 {
			b.Reset()
		}
		d := b.NextBackOff()
		if retryAfter > 0 {
			return retryAfter
		}
		return d
	}
}

// FixedWaitPolicy waits d between polls unless the server asks for a different delay.
func FixedWaitPolicy(d time.Duration) WaitPolicy {
	return func(_ int, retryAfter time.Duration) time.Duration {
		if retryAfter > 0 {
			return retryAfter
		}
		return d
	}
}
