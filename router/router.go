package router

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/analytics"
	"github.com/nimbusgate/gateway/caching"
	"github.com/nimbusgate/gateway/coalesce"
	"github.com/nimbusgate/gateway/config"
	"github.com/nimbusgate/gateway/detcache"
	"github.com/nimbusgate/gateway/handler"
	"github.com/nimbusgate/gateway/metering"
	gwmw "github.com/nimbusgate/gateway/middleware"
	"github.com/nimbusgate/gateway/observability"
	"github.com/nimbusgate/gateway/provider"
	"github.com/nimbusgate/gateway/quota"
	"github.com/nimbusgate/gateway/security"
)

// Deps bundles the dependencies NewRouter wires into the gateway's
// handlers. Redis, the analytics pipeline, metrics, and the tracer are
// all optional — a nil value degrades the corresponding feature
// (caching/coalescing/quota becomes a no-op, metrics/tracing mount
// nothing) rather than panicking.
type Deps struct {
	Redis         *redis.Client
	CredStore     gwmw.CredentialStore
	Pipeline      *analytics.Pipeline
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer
	PricingConfig *provider.PricingConfig
	KeyVault      security.KeyVault
}

// NewRouter returns a configured chi Router with the full middleware chain
// and all API routes mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, registry *provider.Registry, deps Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(gwmw.RequestIDMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	if deps.Tracer != nil {
		r.Use(observability.TracingMiddleware(deps.Tracer))
	}
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"nimbusgate"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"nimbusgate"}`))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"nimbusgate"}`))
	})
	r.Get("/health/detailed", detailedHealthHandler(deps.Redis, registry))

	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler().ServeHTTP)
	}

	r.Get("/openapi.json", handler.OpenAPIHandler())
	r.Get("/docs", handler.SwaggerUIHandler())

	// --- Build the request pipeline's dependencies ---
	pricingCfg := deps.PricingConfig
	if pricingCfg == nil {
		pricingCfg = provider.DefaultPricing()
	}
	tokenCounter := metering.NewTokenCounter()
	costEngine := metering.NewCostEngine(pricingCfg)

	var quotaLimiter *quota.Limiter
	var detCache *detcache.Store
	var coalescer *coalesce.Coalescer
	var tenantConfigs gwmw.TenantConfigStore
	if deps.Redis != nil {
		quotaLimiter = quota.New(deps.Redis, appLogger)
		detCache = detcache.New(deps.Redis)
		coalescer = coalesce.New(deps.Redis, coalesce.Config{
			LeaseTTL:     cfg.CoalesceLeaseTTL,
			PollInterval: cfg.CoalescePollInterval,
			WaitCeiling:  cfg.CoalesceWaitCeiling,
			PublishTTL:   cfg.CoalescePublishTTL,
		})
		tenantConfigs = gwmw.NewRedisTenantConfigStore(deps.Redis, appLogger)
	}
	semCache := caching.NewEngine(appLogger, nil, cfg.SemanticCacheCapacity)

	plan := quota.Plan{RequestsPerMinute: cfg.RateLimitRPM, RequestsPerMonth: cfg.MonthlyQuota}
	if !cfg.RateLimitEnabled {
		plan.RequestsPerMinute = 0
	}

	proxyHandler := handler.NewProxyHandler(handler.ProxyHandlerConfig{
		Logger: appLogger, Registry: registry,
		Quota: quotaLimiter, DetCache: detCache, SemCache: semCache, Coalescer: coalescer,
		Tokens: tokenCounter, Costs: costEngine,
		Pipeline: deps.Pipeline, Metrics: deps.Metrics,
		KeyVault:      deps.KeyVault,
		TenantConfigs: tenantConfigs,
		DefaultPlan: plan, SemanticThreshold: cfg.SemanticCacheThreshold,
		CacheTTL: cfg.DefaultCacheTTL, EmbeddingModel: cfg.EmbeddingModel,
	})
	providerCfgHandler := handler.NewProviderConfigHandler(appLogger, registry, pricingCfg)
	cacheHandler := handler.NewCacheHandler(semCache, detCache, appLogger)

	var credStore gwmw.CredentialStore = deps.CredStore
	authMW := gwmw.NewAuthMiddleware(appLogger, credStore, cfg.APIKeyHeader)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	burstRPS := float64(cfg.RateLimitRPM) / 60.0
	burstLimiter := gwmw.NewBurstLimiter(burstRPS, cfg.RateLimitBurst)
	if !cfg.RateLimitEnabled {
		burstLimiter = gwmw.NewBurstLimiter(burstRPS, 0)
	}
	concurrencyGuard := gwmw.NewConcurrencyGuard(cfg.MaxConcurrentPerTenant, cfg.ConcurrencyWait, appLogger)

	var analyticsHandler *handler.AnalyticsHandler
	if deps.Pipeline != nil {
		analyticsHandler = handler.NewAnalyticsHandler(deps.Pipeline, semCache, appLogger)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(burstLimiter.Handler)
		r.Use(concurrencyGuard.Middleware)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/chat/completions", proxyHandler.ChatCompletions)
		r.Post("/completions", proxyHandler.Completions)
		r.Post("/embeddings", proxyHandler.Embeddings)
		r.Get("/models", proxyHandler.Models)
		r.Get("/providers/health", proxyHandler.ProviderHealth)

		r.Get("/providers", providerCfgHandler.ListProviders)
		r.Get("/providers/{name}", providerCfgHandler.GetProvider)
		r.Get("/providers/{name}/models", providerCfgHandler.GetProviderModels)
		r.Post("/providers/{name}/test", providerCfgHandler.TestProvider)
		r.Get("/providers/pricing", providerCfgHandler.GetPricing)
		r.Post("/providers/estimate", providerCfgHandler.EstimateCost)

		r.Post("/cache/invalidate", cacheHandler.Invalidate)

		if analyticsHandler != nil {
			r.Post("/analytics/cost", analyticsHandler.QueryCost)
			r.Post("/analytics/latency", analyticsHandler.QueryLatency)
			r.Get("/analytics/cache", analyticsHandler.CacheAnalytics)
			r.Get("/analytics/pipeline", analyticsHandler.PipelineStats)
			r.Get("/analytics/daily", analyticsHandler.DailyCostAggregation)
			r.Get("/analytics/export/csv", analyticsHandler.ExportCostCSV)
		}
	})

	return r
}

// detailedHealthHandler reports per-dependency status for Redis and every
// registered provider, returning 503 if any dependency is unhealthy.
func detailedHealthHandler(rdb *redis.Client, registry *provider.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps := make(map[string]interface{})
		healthy := true

		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				healthy = false
				deps["redis"] = map[string]interface{}{"healthy": false, "error": err.Error()}
			} else {
				deps["redis"] = map[string]interface{}{"healthy": true}
			}
		} else {
			deps["redis"] = map[string]interface{}{"healthy": false, "error": "not configured"}
		}

		providers := make(map[string]interface{})
		for name, status := range registry.HealthCheckAll(r.Context()) {
			if !status.Healthy {
				healthy = false
			}
			providers[name] = map[string]interface{}{
				"healthy":    status.Healthy,
				"latency_ms": status.Latency.Milliseconds(),
				"last_check": status.LastCheck.Format(time.RFC3339),
				"error":      status.Error,
			}
		}
		deps["providers"] = providers

		status := http.StatusOK
		overall := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       overall,
			"service":      "nimbusgate",
			"dependencies": deps,
		})
	}
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
