package middleware

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCredentialStore resolves gateway API keys to tenants via Redis,
// keyed as "cred:{apiKey}" -> JSON {"id":"...","tenant":"..."}.
type RedisCredentialStore struct {
	rdb    *redis.Client
	logger zerolog.Logger
	prefix string
}

// NewRedisCredentialStore creates a store backed by the given Redis client.
func NewRedisCredentialStore(rdb *redis.Client, logger zerolog.Logger) *RedisCredentialStore {
	return &RedisCredentialStore{
		rdb:    rdb,
		logger: logger.With().Str("component", "credential_store").Logger(),
		prefix: "cred:",
	}
}

func (s *RedisCredentialStore) key(apiKey string) string {
	return s.prefix + apiKey
}

// Resolve looks up the tenant owning apiKey.
func (s *RedisCredentialStore) Resolve(ctx context.Context, apiKey string) (Credential, error) {
	raw, err := s.rdb.Get(ctx, s.key(apiKey)).Result()
	if err == redis.Nil {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, err
	}
	if cred.Tenant == "" {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}

// Provision writes a credential record, issuing an ID derived from the
// key's suffix if one isn't supplied. Used by startup seeding in
// cmd/gateway and by tests.
func (s *RedisCredentialStore) Provision(ctx context.Context, apiKey string, cred Credential) error {
	if cred.ID == "" {
		start := len(apiKey) - 12
		if start < 0 {
			start = 0
		}
		cred.ID = apiKey[start:]
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(apiKey), raw, 0).Err()
}

// StaticCredentialStore resolves API keys from an in-memory map, seeded
// once at startup (e.g. from the GATEWAY_API_KEYS env var). It
// exists for local development and tests where standing up Redis-backed
// provisioning is unnecessary.
type StaticCredentialStore struct {
	byKey map[string]Credential
}

// NewStaticCredentialStore builds a store from "apiKey:tenant" pairs.
func NewStaticCredentialStore(pairs map[string]string) *StaticCredentialStore {
	byKey := make(map[string]Credential, len(pairs))
	for apiKey, tenant := range pairs {
		tenant = strings.TrimSpace(tenant)
		if tenant == "" {
			continue
		}
		byKey[apiKey] = Credential{ID: tenant, Tenant: tenant}
	}
	return &StaticCredentialStore{byKey: byKey}
}

func (s *StaticCredentialStore) Resolve(ctx context.Context, apiKey string) (Credential, error) {
	cred, ok := s.byKey[apiKey]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}
