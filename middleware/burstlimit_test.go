package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func requestWithTenant(tenant string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	ctx := context.WithValue(req.Context(), TenantContextKey, tenant)
	return req.WithContext(ctx)
}

func TestBurstLimiterDisabledWhenBurstIsZero(t *testing.T) {
	bl := NewBurstLimiter(1, 0)
	h := bl.Handler(finalHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestWithTenant("tenant-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected passthrough with burst<=0, got status %d", i, rec.Code)
		}
	}
}

func TestBurstLimiterAllowsUpToBurst(t *testing.T) {
	bl := NewBurstLimiter(1, 3)
	h := bl.Handler(finalHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestWithTenant("tenant-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected allowed within the burst allowance, got status %d", i, rec.Code)
		}
	}
}

func TestBurstLimiterRejectsBeyondBurst(t *testing.T) {
	bl := NewBurstLimiter(0.001, 2)
	h := bl.Handler(finalHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestWithTenant("tenant-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected allowed within the burst allowance, got status %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithTenant("tenant-a"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the request past the burst allowance to be rejected, got status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on rejection")
	}
}

func TestBurstLimiterIsolatesTenants(t *testing.T) {
	bl := NewBurstLimiter(0.001, 1)
	h := bl.Handler(finalHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithTenant("tenant-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected tenant-a's first request allowed, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, requestWithTenant("tenant-b"))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected tenant-b's burst allowance to be independent of tenant-a, got %d", rec2.Code)
	}
}

func TestBurstLimiterFallsBackToAPIKeyWhenTenantEmpty(t *testing.T) {
	bl := NewBurstLimiter(0.001, 1)
	h := bl.Handler(finalHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	ctx := context.WithValue(req.Context(), APIKeyContextKey, "lgw_test_abc")
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the first request keyed by API key to be allowed, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the second request on the same API key to exhaust the burst allowance, got %d", rec2.Code)
	}
}
