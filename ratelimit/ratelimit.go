// Package ratelimit enforces a provider's configured request, token, and
// concurrency limits before a request is dispatched to the vendor. This is
// the local admission check; the vendor's own limits still apply and surface
// as VENDOR_429.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/medgate-ai/medgate"
)

type providerLimiter struct {
	// Nil when the dimension is unlimited.
	requests *rate.Limiter
	tokens   *rate.Limiter

	maxConcurrent int
	inFlight      int
}

// Limiter tracks one admission state per provider. Configure must be called
// before Acquire; unconfigured providers are admitted unconditionally.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerLimiter
}

func NewLimiter() *Limiter {
	return &Limiter{providers: make(map[string]*providerLimiter)}
}

// Configure installs or replaces the limits for a provider. Replacing resets
// the per-minute buckets but preserves the in-flight count.
func (l *Limiter) Configure(providerId string, limits medgate.Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter := &providerLimiter{maxConcurrent: limits.MaxConcurrent}
	if limits.RequestsPerMinute > 0 {
		limiter.requests = rate.NewLimiter(
			rate.Limit(float64(limits.RequestsPerMinute)/60.0), limits.RequestsPerMinute)
	}
	if limits.TokensPerMinute > 0 {
		limiter.tokens = rate.NewLimiter(
			rate.Limit(float64(limits.TokensPerMinute)/60.0), limits.TokensPerMinute)
	}
	if existing, exists := l.providers[providerId]; exists {
		limiter.inFlight = existing.inFlight
	}
	l.providers[providerId] = limiter
}

// Remove drops the admission state of a deactivated provider.
func (l *Limiter) Remove(providerId string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.providers, providerId)
}

// Acquire admits one request worth the estimated token count. On success the
// caller must Release once the request finishes. Rejections are reported as
// RateLimitError so the executor backs off and retries.
func (l *Limiter) Acquire(providerId string, estimatedTokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.providers[providerId]
	if !exists {
		return nil
	}

	if limiter.maxConcurrent > 0 && limiter.inFlight >= limiter.maxConcurrent {
		return &medgate.RateLimitError{
			ProviderId: providerId,
			Reason:     fmt.Sprintf("%d requests already in flight", limiter.inFlight),
		}
	}

	now := time.Now()
	var requestSlot *rate.Reservation
	if limiter.requests != nil {
		requestSlot = limiter.requests.ReserveN(now, 1)
		if !requestSlot.OK() || requestSlot.DelayFrom(now) > 0 {
			requestSlot.CancelAt(now)
			return &medgate.RateLimitError{
				ProviderId: providerId,
				Reason:     "request budget exhausted",
			}
		}
	}
	if limiter.tokens != nil {
		tokenSlot := limiter.tokens.ReserveN(now, estimatedTokens)
		if !tokenSlot.OK() || tokenSlot.DelayFrom(now) > 0 {
			tokenSlot.CancelAt(now)
			if requestSlot != nil {
				requestSlot.CancelAt(now)
			}
			return &medgate.RateLimitError{
				ProviderId: providerId,
				Reason:     fmt.Sprintf("token budget exhausted for %d tokens", estimatedTokens),
			}
		}
	}

	limiter.inFlight++
	return nil
}

// Release returns the concurrency slot taken by a successful Acquire.
func (l *Limiter) Release(providerId string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.providers[providerId]
	if !exists {
		return
	}
	if limiter.inFlight > 0 {
		limiter.inFlight--
	}
}
