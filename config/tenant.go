package config

import "time"

// PlanTier names one of the gateway's subscription tiers. Each tier
// maps to a fixed (requestsPerMinute, requestsPerMonth) pair.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// PlanLimits is the admission pair a plan tier governs.
type PlanLimits struct {
	RequestsPerMinute int
	RequestsPerMonth  int
}

// planTiers is the tier -> limits table. 0 means unlimited, matching
// quota.Plan's convention.
var planTiers = map[PlanTier]PlanLimits{
	PlanFree:       {RequestsPerMinute: 10, RequestsPerMonth: 1000},
	PlanStarter:    {RequestsPerMinute: 60, RequestsPerMonth: 50000},
	PlanPro:        {RequestsPerMinute: 300, RequestsPerMonth: 1000000},
	PlanEnterprise: {RequestsPerMinute: 0, RequestsPerMonth: 0},
}

// LimitsFor returns the admission limits for a plan tier, falling
// back to the free tier's limits for an unrecognized tier.
func LimitsFor(tier PlanTier) PlanLimits {
	if l, ok := planTiers[tier]; ok {
		return l
	}
	return planTiers[PlanFree]
}

// TenantConfig holds the tenant-configurable options named in the
// Tenant-configurable options table: plan tier, semantic-cache
// similarity threshold, default cache TTL, and per-endpoint TTL
// overrides.
type TenantConfig struct {
	Plan                   PlanTier
	SemanticCacheThreshold float64 // 0 means "use the gateway default"
	CacheTTLSeconds        int     // 0 means "use the gateway default"
	CacheTTLNever          bool    // true means never-expire, overrides CacheTTLSeconds
	EndpointTTLOverrides   map[string]int
}

// Limits resolves this tenant's admission pair.
func (t TenantConfig) Limits() PlanLimits {
	return LimitsFor(t.Plan)
}

// EffectiveThreshold resolves the tenant's semantic-cache threshold,
// falling back to globalDefault when the tenant has no override.
func (t TenantConfig) EffectiveThreshold(globalDefault float64) float64 {
	if t.SemanticCacheThreshold > 0 {
		return t.SemanticCacheThreshold
	}
	return globalDefault
}

// EffectiveTTL resolves the effective cache TTL for a request against
// a specific endpoint: the endpoint override if present, else the
// tenant default, else the gateway-wide default. A 0 duration means
// never-expire, matching detcache.Put/caching.Entry's convention.
func (t TenantConfig) EffectiveTTL(endpoint string, globalDefault time.Duration) time.Duration {
	if secs, ok := t.EndpointTTLOverrides[endpoint]; ok {
		return time.Duration(secs) * time.Second
	}
	if t.CacheTTLNever {
		return 0
	}
	if t.CacheTTLSeconds > 0 {
		return time.Duration(t.CacheTTLSeconds) * time.Second
	}
	return globalDefault
}

// DefaultTenantConfig returns the configuration applied to a tenant
// with no record in the tenant config store: an empty Plan (callers
// fall back to the gateway-wide plan) and the gateway's global
// threshold/TTL defaults.
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{}
}
