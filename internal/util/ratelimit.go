package util

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every call to a rate-limited API.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

// NewRateLimiter allows perMinute calls per minute with bursts of up to
// burst calls. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:   float64(perMinute) / 60,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.rate <= 0 {
		return ctx.Err()
	}
	for {
		wait := rl.reserve()
		if wait == 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until one is
// available.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens = math.Min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.rate)
	rl.last = now
	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}
