package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func finalHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeadersMiddlewareSetsExpectedHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware(finalHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	for header, want := range map[string]string{
		"X-Content-Type-Options":   "nosniff",
		"X-Frame-Options":          "DENY",
		"Referrer-Policy":          "strict-origin-when-cross-origin",
		"Content-Security-Policy":  "default-src 'self'",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("header %s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestIDMiddlewareGeneratesIDWhenAbsent(t *testing.T) {
	h := RequestIDMiddleware(finalHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("expected a generated X-Request-ID header")
	}
}

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	h := RequestIDMiddleware(finalHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied-id" {
		t.Fatalf("expected the incoming request ID to be preserved, got %q", got)
	}
}

func TestCORSMiddlewareReflectsAllowedOrigin(t *testing.T) {
	h := CORSMiddleware([]string{"https://app.example.com"})(finalHandler())
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected the allowed origin to be reflected, got %q", got)
	}
}

func TestCORSMiddlewareRejectsDisallowedOrigin(t *testing.T) {
	h := CORSMiddleware([]string{"https://app.example.com"})(finalHandler())
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no Access-Control-Allow-Origin for a disallowed origin, got %q", got)
	}
}
