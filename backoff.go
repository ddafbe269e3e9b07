package jobhub

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryDelay returns how long a job waits before its next automatic attempt:
// base * 2^(attempts-1), capped at maxDelay.
func retryDelay(attempts int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if maxDelay <= 0 {
		maxDelay = 24 * time.Hour
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
