package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum interval between requests to the same
// endpoint. The broker throttles per transaction code, so one busy endpoint
// must not starve the others.
//
// Safe for concurrent use: the scheduled loop and any manual run-once trigger
// share one instance.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

// NewRateLimiter returns a limiter that spaces calls to each endpoint by at
// least interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &RateLimiter{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until the endpoint's interval has elapsed since the previous
// acquisition, then records this call. The wait is a suspension point:
// cancelling ctx interrupts it immediately.
func (rl *RateLimiter) Acquire(ctx context.Context, endpoint string) error {
	rl.mu.Lock()
	lim, ok := rl.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rl.interval), 1)
		rl.limiters[endpoint] = lim
	}
	rl.mu.Unlock()

	return lim.Wait(ctx)
}
