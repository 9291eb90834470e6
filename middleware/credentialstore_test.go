package middleware

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedisCredentialStore(t *testing.T) *RedisCredentialStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCredentialStore(rdb, zerolog.New(io.Discard))
}

func TestRedisCredentialStoreResolveMiss(t *testing.T) {
	s := newTestRedisCredentialStore(t)
	_, err := s.Resolve(context.Background(), "lgw_test_unknown")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestRedisCredentialStoreProvisionThenResolve(t *testing.T) {
	s := newTestRedisCredentialStore(t)
	ctx := context.Background()

	if err := s.Provision(ctx, "lgw_test_abc", Credential{Tenant: "acme"}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	cred, err := s.Resolve(ctx, "lgw_test_abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Tenant != "acme" {
		t.Fatalf("expected tenant acme, got %q", cred.Tenant)
	}
	if cred.ID == "" {
		t.Fatal("expected Provision to derive a non-empty credential ID")
	}
}

func TestRedisCredentialStoreResolveRejectsEmptyTenant(t *testing.T) {
	s := newTestRedisCredentialStore(t)
	ctx := context.Background()

	if err := s.Provision(ctx, "lgw_test_blank", Credential{ID: "x", Tenant: ""}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	_, err := s.Resolve(ctx, "lgw_test_blank")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected a blank tenant to resolve as not found, got %v", err)
	}
}

func TestStaticCredentialStoreResolve(t *testing.T) {
	s := NewStaticCredentialStore(map[string]string{
		"lgw_test_key1": "tenant-a",
		"lgw_test_key2": "  ",
	})

	cred, err := s.Resolve(context.Background(), "lgw_test_key1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Tenant != "tenant-a" {
		t.Fatalf("expected tenant-a, got %q", cred.Tenant)
	}

	if _, err := s.Resolve(context.Background(), "lgw_test_key2"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatal("expected a blank-tenant pair to be skipped during construction")
	}

	if _, err := s.Resolve(context.Background(), "lgw_test_missing"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatal("expected an unknown key to resolve as not found")
	}
}
