package controller

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ingressLimiter is a token bucket in front of the ingress queue. The limiter is swapped
// atomically so Reload never races with Post.
type ingressLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

func newIngressLimiter(limit float64, burst int) *ingressLimiter {
	l := &ingressLimiter{}
	l.Reload(limit, burst)

	return l
}

func newRateLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Wait blocks until a token is available or ctx ends.
func (l *ingressLimiter) Wait(ctx context.Context) error {
	return l.limiter.Load().Wait(ctx)
}

// Reload replaces the bucket; a non-positive limit disables throttling.
func (l *ingressLimiter) Reload(limit float64, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}
