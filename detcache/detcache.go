// Package detcache implements the deterministic cache: a fingerprint
// keyed store for non-streaming responses, backed by Redis. A
// fingerprint names at most one entry.
package detcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the cached response entry shape shared with the semantic
// cache: payload, generation metadata, and token counts. Tenant is
// carried alongside the payload so Invalidate can filter entries
// without needing to reverse the fingerprint hash.
type Entry struct {
	Tenant       string          `json:"tenant"`
	Payload      json.RawMessage `json:"payload"`
	Model        string          `json:"model"`
	GeneratedAt  time.Time       `json:"generated_at"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	TotalTokens  int             `json:"total_tokens"`
}

// InvalidateFilter selects the entries an Invalidate call removes. At
// least one field must be set by the caller.
type InvalidateFilter struct {
	Model         string
	CreatedBefore time.Time
	CreatedAfter  time.Time
}

// Store is a fingerprint-keyed deterministic cache. Alongside the
// fingerprint->entry keyspace it maintains a per-tenant index set so
// Invalidate can enumerate a tenant's entries without a Redis SCAN.
type Store struct {
	rdb       *redis.Client
	prefix    string
	idxPrefix string
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, prefix: "detcache:", idxPrefix: "detcache:idx:"}
}

func (s *Store) key(fingerprint string) string {
	return s.prefix + fingerprint
}

func (s *Store) indexKey(tenant string) string {
	return s.idxPrefix + tenant
}

// Get returns the cached entry for a fingerprint, or (nil, false) on a
// miss. Entries expire server-side via Redis TTL, so an absent key is
// indistinguishable from an expired one.
func (s *Store) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("detcache: corrupt entry: %w", err)
	}
	return &e, true, nil
}

// Put writes an entry keyed by fingerprint with the given TTL. A
// ttl <= 0 means never-expire. The fingerprint is added to the
// entry's tenant index so a later Invalidate can find it.
func (s *Store) Put(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		if err := s.rdb.Set(ctx, s.key(fingerprint), b, 0).Err(); err != nil {
			return err
		}
	} else if err := s.rdb.Set(ctx, s.key(fingerprint), b, ttl).Err(); err != nil {
		return err
	}
	if entry.Tenant != "" {
		if err := s.rdb.SAdd(ctx, s.indexKey(entry.Tenant), fingerprint).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes a tenant's entries matching filter and returns
// the count removed. At least one filter field must be meaningfully
// set by the caller; Invalidate itself performs no such validation
// (that belongs to the HTTP layer).
func (s *Store) Invalidate(ctx context.Context, tenant string, filter InvalidateFilter) (int, error) {
	members, err := s.rdb.SMembers(ctx, s.indexKey(tenant)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, fp := range members {
		raw, err := s.rdb.Get(ctx, s.key(fp)).Bytes()
		if err == redis.Nil {
			// Entry already expired server-side; drop the stale index entry.
			s.rdb.SRem(ctx, s.indexKey(tenant), fp)
			continue
		}
		if err != nil {
			return removed, err
		}

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if filter.Model != "" && e.Model != filter.Model {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !e.GeneratedAt.Before(filter.CreatedBefore) {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !e.GeneratedAt.After(filter.CreatedAfter) {
			continue
		}

		if err := s.rdb.Del(ctx, s.key(fp)).Err(); err != nil {
			return removed, err
		}
		s.rdb.SRem(ctx, s.indexKey(tenant), fp)
		removed++
	}
	return removed, nil
}
