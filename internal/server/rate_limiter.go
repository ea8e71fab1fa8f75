// Package server implements per-connection inbound throttling that protects
// the hub from chatty clients.
package server

import (
	"time"

	"github.com/juju/ratelimit"
)

type rateLimiter struct {
	bucket *ratelimit.Bucket
}

// newRateLimiter allows bursts of capacity frames, refilled in full every interval.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		bucket: ratelimit.NewBucketWithQuantum(interval, int64(capacity), int64(capacity)),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.bucket.TakeAvailable(1) == 1
}
