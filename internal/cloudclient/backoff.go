package cloudclient

import (
	"math/rand"
	"time"
)

// Retry/backoff constants for per-request retries: exponential with ±20%
// jitter, capped low and bounded to a fixed attempt count since these are
// per-request retries, not an indefinite reconnect loop.
const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 8 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
	maxAttempts    = 5
)

// uploadCompletePollAttempts/Interval bound the wait for a single-shot
// upload's completed flag, matching the 60 one-second polls rclone's
// 123pan backend runs around its analogous multi-step upload flow.
const (
	uploadCompletePollAttempts = 60
	uploadCompletePollInterval = time.Second
)

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
