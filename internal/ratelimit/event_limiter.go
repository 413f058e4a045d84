// Package ratelimit throttles high-volume, repeated log events: selector
// no_backend (TCP and UDP) and the accept-loop resource-exhaustion backoff.
// DNS resolution failures are not routed through it. It is the
// teacher's token-bucket RateLimitMiddleware, redirected from gating RPC
// request admission to gating log-event admission — client traffic itself
// is never rate limited here (spec non-goal).
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// EventLimiter wraps a token bucket keyed by event class, so one noisy
// backend's no_backend storm doesn't also suppress an unrelated class of
// event.
type EventLimiter struct {
	mu     sync.Mutex
	perKey map[string]*rate.Limiter
	r      float64
	burst  int
}

// NewEventLimiter builds a limiter allowing, per event key, r events per
// second with the given burst.
func NewEventLimiter(r float64, burst int) *EventLimiter {
	return &EventLimiter{
		perKey: make(map[string]*rate.Limiter),
		r:      r,
		burst:  burst,
	}
}

// Allow reports whether an event of the given class should be logged now.
func (e *EventLimiter) Allow(key string) bool {
	e.mu.Lock()
	lim, ok := e.perKey[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.r), e.burst)
		e.perKey[key] = lim
	}
	e.mu.Unlock()
	return lim.Allow()
}
