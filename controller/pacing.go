package controller

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer bounds how fast sampling steps, and therefore outbound events, happen.
type Pacer interface {
	// Wait blocks until the next step may run or ctx is done.
	Wait(ctx context.Context) error
}

// RatePacer is a Pacer backed by a token bucket with a burst of one.
type RatePacer struct {
	limiter *rate.Limiter
}

// NewRatePacer allows one step per interval. A non-positive interval never waits.
func NewRatePacer(interval time.Duration) *RatePacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RatePacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait implements Pacer.
func (p *RatePacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
