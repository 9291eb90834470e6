package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/analytics"
	"github.com/nimbusgate/gateway/config"
	"github.com/nimbusgate/gateway/logger"
	gwmw "github.com/nimbusgate/gateway/middleware"
	"github.com/nimbusgate/gateway/observability"
	"github.com/nimbusgate/gateway/provider"
	"github.com/nimbusgate/gateway/redisclient"
	"github.com/nimbusgate/gateway/router"
	"github.com/nimbusgate/gateway/security"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("nimbusgate starting")

	var rawRedis *redis.Client
	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — caching, coalescing, and quota tracking are disabled")
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — caching, coalescing, and quota tracking are disabled")
	} else {
		log.Info().Msg("redis connected")
		rawRedis = rc.Raw()
	}

	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	var analyticsSink analytics.Sink
	if chDSN := os.Getenv("CLICKHOUSE_DSN"); chDSN != "" {
		chSink, err := analytics.NewClickHouseSink(chDSN, log)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse sink init failed — falling back to log sink")
			analyticsSink = analytics.NewLogSink(log)
		} else {
			analyticsSink = chSink
			log.Info().Msg("clickhouse analytics sink connected")
		}
	} else {
		analyticsSink = analytics.NewLogSink(log)
		log.Info().Msg("analytics using log sink (set CLICKHOUSE_DSN for production)")
	}
	analyticsPipeline := analytics.NewPipeline(log, analyticsSink).WithDeadLetterSink(analytics.NewLogSink(log))
	analyticsPipeline.Start(context.Background())

	metrics := observability.NewMetrics(log)
	traceExporter := observability.NewLogExporter(log)
	tracer := observability.NewTracer(log, traceExporter, 1.0)

	credStore := buildCredentialStore(rawRedis, log)
	keyVault := buildKeyVault(log)

	r := router.NewRouter(cfg, log, registry, router.Deps{
		Redis:         rawRedis,
		CredStore:     credStore,
		Pipeline:      analyticsPipeline,
		Metrics:       metrics,
		Tracer:        tracer,
		PricingConfig: provider.DefaultPricing(),
		KeyVault:      keyVault,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	analyticsPipeline.Stop()
	tracer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// registerProviders registers every provider connector whose API key or
// endpoint is present in the environment.
func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openai := provider.NewOpenAIProvider(provider.ProviderConfig{
			Name:    "openai",
			APIKey:  key,
			Timeout: cfg.ProviderTimeout("openai"),
		})
		registry.Register(openai)
		log.Info().Msg("registered openai provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}

// buildCredentialStore prefers a Redis-backed store when Redis is
// available, seeding it from GATEWAY_API_KEYS ("key:tenant,key:tenant")
// on every startup (overwriting existing records for those keys);
// otherwise it falls back to a purely in-memory store
// built from the same env var, which is sufficient for local dev.
func buildCredentialStore(rdb *redis.Client, log zerolog.Logger) gwmw.CredentialStore {
	pairs := parseStaticCredentials(os.Getenv("GATEWAY_API_KEYS"))
	if rdb == nil {
		return gwmw.NewStaticCredentialStore(pairs)
	}
	store := gwmw.NewRedisCredentialStore(rdb, log)
	for apiKey, tenant := range pairs {
		_ = store.Provision(context.Background(), apiKey, gwmw.Credential{Tenant: tenant})
	}
	return store
}

// buildKeyVault wires a BYOK key vault: Vault-backed when VAULT_ADDR is
// set, otherwise a disabled client that still serves the operator's
// single default-key fallback (GATEWAY_DEFAULT_PROVIDER_KEY).
func buildKeyVault(log zerolog.Logger) security.KeyVault {
	addr := os.Getenv("VAULT_ADDR")
	vault := security.NewVaultClient(security.VaultConfig{
		Enabled:   addr != "",
		Address:   addr,
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
	})
	if addr != "" {
		log.Info().Msg("BYOK key vault enabled against Vault")
	} else {
		log.Info().Msg("BYOK key vault disabled, using default provider keys only")
	}
	return vault
}

func parseStaticCredentials(raw string) map[string]string {
	pairs := make(map[string]string)
	if raw == "" {
		return pairs
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		pairs[parts[0]] = parts[1]
	}
	return pairs
}
