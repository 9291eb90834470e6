package middleware

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/config"
)

// TenantConfigStore resolves a tenant ID to its configurable options
// (plan tier, semantic-cache threshold, cache TTL and overrides). A
// miss is not an error: callers fall back to config.DefaultTenantConfig.
type TenantConfigStore interface {
	Get(ctx context.Context, tenant string) (config.TenantConfig, bool, error)
}

// RedisTenantConfigStore resolves tenant configuration via Redis, keyed
// as "tenantcfg:{tenant}" -> JSON-encoded config.TenantConfig.
type RedisTenantConfigStore struct {
	rdb    *redis.Client
	logger zerolog.Logger
	prefix string
}

// NewRedisTenantConfigStore creates a store backed by the given Redis client.
func NewRedisTenantConfigStore(rdb *redis.Client, logger zerolog.Logger) *RedisTenantConfigStore {
	return &RedisTenantConfigStore{
		rdb:    rdb,
		logger: logger.With().Str("component", "tenant_config_store").Logger(),
		prefix: "tenantcfg:",
	}
}

func (s *RedisTenantConfigStore) key(tenant string) string {
	return s.prefix + tenant
}

// Get looks up tenant's configuration. A missing record returns
// (zero-value, false, nil) rather than an error.
func (s *RedisTenantConfigStore) Get(ctx context.Context, tenant string) (config.TenantConfig, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(tenant)).Result()
	if err == redis.Nil {
		return config.TenantConfig{}, false, nil
	}
	if err != nil {
		return config.TenantConfig{}, false, err
	}
	var cfg config.TenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return config.TenantConfig{}, false, err
	}
	return cfg, true, nil
}

// Put writes tenant's configuration record. Used by the provisioning
// surface and tests.
func (s *RedisTenantConfigStore) Put(ctx context.Context, tenant string, cfg config.TenantConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(tenant), raw, 0).Err()
}

// StaticTenantConfigStore resolves tenant configuration from an
// in-memory map, seeded once at startup. It exists for local
// development and tests where standing up Redis-backed provisioning
// is unnecessary.
type StaticTenantConfigStore struct {
	byTenant map[string]config.TenantConfig
}

// NewStaticTenantConfigStore builds a store from a tenant -> config map.
func NewStaticTenantConfigStore(byTenant map[string]config.TenantConfig) *StaticTenantConfigStore {
	if byTenant == nil {
		byTenant = map[string]config.TenantConfig{}
	}
	return &StaticTenantConfigStore{byTenant: byTenant}
}

func (s *StaticTenantConfigStore) Get(ctx context.Context, tenant string) (config.TenantConfig, bool, error) {
	cfg, ok := s.byTenant[tenant]
	if !ok {
		return config.TenantConfig{}, false, nil
	}
	return cfg, true, nil
}
