package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ──────────────────────────────────────────────────────────────
// Per-tenant concurrency limiting
// ──────────────────────────────────────────────────────────────

// Semaphore provides bounded concurrency control per key (tenant).
// This prevents any single tenant from monopolizing gateway capacity
// while upstream calls are in flight.
type Semaphore struct {
	mu    sync.Mutex
	semas map[string]chan struct{}
	limit int
}

// NewSemaphore creates a new per-key semaphore with the given concurrency limit.
func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 100 // default
	}
	return &Semaphore{
		semas: make(map[string]chan struct{}),
		limit: limit,
	}
}

// Acquire attempts to acquire a slot for the given key.
// Waits up to timeout for a free slot; returns true if acquired, false
// if no slot frees up within timeout.
// The caller must call Release when done.
func (s *Semaphore) Acquire(key string, timeout time.Duration) bool {
	s.mu.Lock()
	ch, ok := s.semas[key]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.semas[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Release releases a slot for the given key.
func (s *Semaphore) Release(key string) {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()

	if ok {
		select {
		case <-ch:
		default:
		}
	}
}

// ActiveCount returns the number of active requests for a key.
func (s *Semaphore) ActiveCount(key string) int {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}

// ──────────────────────────────────────────────────────────────
// Concurrency Middleware — chi-compatible HTTP middleware
// ──────────────────────────────────────────────────────────────

// ConcurrencyGuard is the per-tenant concurrency control middleware
// protecting the shared upstream connection pool from any single
// tenant saturating it (spec.md §5: "the design assumes many
// concurrent requests and no per-tenant pinning", which still bounds
// how much of that concurrency one tenant can consume).
type ConcurrencyGuard struct {
	semaphore *Semaphore
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewConcurrencyGuard creates a new concurrency guard middleware.
func NewConcurrencyGuard(maxConcurrentPerTenant int, timeout time.Duration, logger zerolog.Logger) *ConcurrencyGuard {
	return &ConcurrencyGuard{
		semaphore: NewSemaphore(maxConcurrentPerTenant),
		logger:    logger,
		timeout:   timeout,
	}
}

// Middleware returns an http.Handler middleware that enforces per-tenant
// concurrency limits. A tenant over the limit gets a 429 after waiting
// up to the guard's timeout for a slot to free up.
func (cg *ConcurrencyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantKey := extractTenantKey(r)
		if tenantKey == "" {
			tenantKey = "default"
		}

		if !cg.semaphore.Acquire(tenantKey, cg.timeout) {
			cg.logger.Warn().
				Str("tenant", tenantKey).
				Int("active", cg.semaphore.ActiveCount(tenantKey)).
				Msg("concurrency limit reached — rejecting request")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"type":"rate_limit_error","message":"too many concurrent requests for this tenant"}}`)
			return
		}
		defer cg.semaphore.Release(tenantKey)

		ctx := context.WithValue(r.Context(), concurrencyActiveKey, cg.semaphore.ActiveCount(tenantKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const concurrencyActiveKey contextKey = "concurrency_active"

// extractTenantKey gets the tenant identifier from the request for
// concurrency bucketing, preferring the auth-resolved tenant and
// falling back to a hashed API key prefix when auth hasn't run yet.
func extractTenantKey(r *http.Request) string {
	if tenant := GetTenant(r.Context()); tenant != "" {
		return tenant
	}
	apiKey := GetAPIKey(r.Context())
	if len(apiKey) > 0 {
		h := sha256.Sum256([]byte(apiKey))
		return "keyhash:" + hex.EncodeToString(h[:8])
	}
	return ""
}

// GetConcurrencyActive retrieves the active concurrent request count
// from the request context.
func GetConcurrencyActive(ctx context.Context) int {
	if v, ok := ctx.Value(concurrencyActiveKey).(int); ok {
		return v
	}
	return 0
}
