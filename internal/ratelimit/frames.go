package ratelimit

import (
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// FrameLimiter caps the number of inbound frames a single connection may send
// per second. The burst equals the per-second rate.
type FrameLimiter struct {
	clock   clock.Clock
	limiter *rate.Limiter
}

// NewFrameLimiter returns a limiter allowing perSecond frames per second.
// perSecond <= 0 disables limiting.
func NewFrameLimiter(clk clock.Clock, perSecond int) *FrameLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if perSecond <= 0 {
		return &FrameLimiter{clock: clk, limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &FrameLimiter{
		clock:   clk,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (f *FrameLimiter) Allow() bool {
	return f.limiter.AllowN(f.clock.Now(), 1)
}
