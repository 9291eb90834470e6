package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// BurstLimiter absorbs short bursts in-process, ahead of the Redis-backed
// quota package's per-minute window. It exists so a tenant hammering the
// gateway faster than the burst allowance is rejected with a single
// local token-bucket check instead of a round trip to Redis on every
// request; the Redis window remains the source of truth for the
// per-minute/per-month limits themselves.
type BurstLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewBurstLimiter builds a limiter allowing burst requests before
// refilling at rps (requests per second) per tenant. burst <= 0 disables
// the limiter entirely (Handler becomes a no-op passthrough).
func NewBurstLimiter(rps float64, burst int) *BurstLimiter {
	return &BurstLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (b *BurstLimiter) limiterFor(tenant string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[tenant]
	if !ok {
		l = rate.NewLimiter(b.rps, b.burst)
		b.limiters[tenant] = l
	}
	return l
}

// Handler enforces the per-tenant burst allowance. Must run after
// AuthMiddleware so GetTenant resolves.
func (b *BurstLimiter) Handler(next http.Handler) http.Handler {
	if b.burst <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := GetTenant(r.Context())
		if tenant == "" {
			tenant = GetAPIKey(r.Context())
		}
		if tenant != "" && !b.limiterFor(tenant).Allow() {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"burst rate limit exceeded","type":"rate_limit_error","code":"rate_limit_exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
