package middleware

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	// APIKeyContextKey stores the validated API key in request context.
	APIKeyContextKey contextKey = "api_key"
	// CredentialIDContextKey stores the resolved credential ID.
	CredentialIDContextKey contextKey = "credential_id"
	// TenantContextKey stores the resolved tenant ID.
	TenantContextKey contextKey = "tenant_id"
)

// apiKeyPattern matches the gateway's credential format: lgw_proj_* for
// production keys, lgw_test_* for sandbox keys.
var apiKeyPattern = regexp.MustCompile(`^lgw_(proj|test)_[A-Za-z0-9]{32,}$`)

// ErrCredentialNotFound is returned by a CredentialStore when the key
// does not resolve to a known credential.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is what an API key resolves to.
type Credential struct {
	ID     string
	Tenant string
}

// CredentialStore resolves an opaque API key to a tenant-scoped
// credential. It is an external collaborator — the gateway does not
// own credential issuance, only validation against it.
type CredentialStore interface {
	Resolve(ctx context.Context, apiKey string) (Credential, error)
}

// AuthMiddleware validates API keys on incoming requests and resolves
// them to a tenant via the credential store, short-circuiting repeat
// lookups through a small local TTL cache.
type AuthMiddleware struct {
	logger    zerolog.Logger
	store     CredentialStore
	cache     sync.Map // apiKey -> *cachedCredential
	cacheTTL  time.Duration
	headerKey string
}

type cachedCredential struct {
	cred      Credential
	expiresAt time.Time
}

// NewAuthMiddleware creates a new authentication middleware backed by
// the given credential store.
func NewAuthMiddleware(logger zerolog.Logger, store CredentialStore, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		store:     store,
		cacheTTL:  5 * time.Minute,
		headerKey: headerKey,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			writeAuthError(w, "Authorization header required")
			return
		}

		apiKey := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			apiKey = strings.TrimSpace(authHeader[7:])
		}

		if apiKey == "" || !apiKeyPattern.MatchString(apiKey) {
			writeAuthError(w, "malformed API key")
			return
		}

		if cached, ok := am.cache.Load(apiKey); ok {
			cc := cached.(*cachedCredential)
			if time.Now().Before(cc.expiresAt) {
				next.ServeHTTP(w, r.WithContext(am.attach(r.Context(), apiKey, cc.cred)))
				return
			}
			am.cache.Delete(apiKey)
		}

		if am.store == nil {
			writeAuthError(w, "credential store unavailable")
			return
		}

		cred, err := am.store.Resolve(r.Context(), apiKey)
		if err != nil {
			if !errors.Is(err, ErrCredentialNotFound) {
				am.logger.Warn().Err(err).Msg("credential store unreachable, failing auth closed")
			}
			writeAuthError(w, "invalid or unknown API key")
			return
		}

		am.cache.Store(apiKey, &cachedCredential{cred: cred, expiresAt: time.Now().Add(am.cacheTTL)})
		next.ServeHTTP(w, r.WithContext(am.attach(r.Context(), apiKey, cred)))
	})
}

func (am *AuthMiddleware) attach(ctx context.Context, apiKey string, cred Credential) context.Context {
	ctx = context.WithValue(ctx, APIKeyContextKey, apiKey)
	ctx = context.WithValue(ctx, CredentialIDContextKey, cred.ID)
	ctx = context.WithValue(ctx, TenantContextKey, cred.Tenant)
	return ctx
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"message":"` + message + `","type":"invalid_request_error","code":"unauthenticated"}}`))
}

// GetAPIKey extracts the API key from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// GetTenant extracts the resolved tenant ID from the request context.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(TenantContextKey).(string); ok {
		return v
	}
	return ""
}

// GetCredentialID extracts the resolved credential ID from the request context.
func GetCredentialID(ctx context.Context) string {
	if v, ok := ctx.Value(CredentialIDContextKey).(string); ok {
		return v
	}
	return ""
}
