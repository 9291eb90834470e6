// Package caching implements the semantic cache: a per-tenant,
// per-kind (chat | completion) bounded store with cosine-similarity
// retrieval, pre-filtered by a strict bucket key ("model:context-hash").
package caching

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Kind distinguishes chat-completion entries from legacy completion
// entries; the two never share a bucket.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCompletion Kind = "completion"
)

const DefaultCapacity = 50

// Entry is a semantic cache entry: a cached response extended with its
// embedding and bucket key.
type Entry struct {
	ID          string          `json:"id"`
	BucketKey   string          `json:"bucket_key"` // "model:context-hash"
	Model       string          `json:"model"`
	Kind        Kind            `json:"kind"`
	Embedding   []float64       `json:"embedding"`
	SourceText  string          `json:"source_text"`
	Payload     json.RawMessage `json:"payload"`
	GeneratedAt time.Time       `json:"generated_at"`
	ExpiresAt   time.Time       `json:"expires_at"` // zero value means never-expire

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// LookupResult is the outcome of a Find call.
type LookupResult struct {
	Entry      *Entry
	Similarity float64
}

// EmbeddingFunc generates an embedding vector for a text string, via
// the upstream provider's embeddings endpoint.
type EmbeddingFunc func(ctx context.Context, text, model string) ([]float64, error)

// InvalidateFilter selects the entries an invalidate call removes. At
// least one field must be set by the caller.
type InvalidateFilter struct {
	Model         string
	Kind          Kind
	CreatedBefore time.Time
	CreatedAfter  time.Time
	MinSimilarity *float64 // unused for invalidation matching, reserved for symmetry with the API filter shape
	MaxSimilarity *float64
}

// Engine is the semantic cache. Each (tenant, kind) pair owns its own
// bounded LRU store; capacity eviction approximates "prune to the most
// recent N entries" since every write promotes the entry to
// most-recently-used.
type Engine struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	capacity int
	embedFn  EmbeddingFunc

	buckets map[string]*lru.Cache[string, *Entry] // "tenant|kind" -> entries keyed by ID

	hits   int64
	misses int64
}

func NewEngine(logger zerolog.Logger, embedFn EmbeddingFunc, capacity int) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{
		logger:   logger.With().Str("component", "semantic_cache").Logger(),
		capacity: capacity,
		embedFn:  embedFn,
		buckets:  make(map[string]*lru.Cache[string, *Entry]),
	}
}

func storeKey(tenant string, kind Kind) string {
	return tenant + "|" + string(kind)
}

func (e *Engine) storeFor(tenant string, kind Kind, create bool) *lru.Cache[string, *Entry] {
	key := storeKey(tenant, kind)

	e.mu.RLock()
	c, ok := e.buckets[key]
	e.mu.RUnlock()
	if ok || !create {
		return c
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.buckets[key]; ok {
		return c
	}
	c, _ = lru.New[string, *Entry](e.capacity)
	e.buckets[key] = c
	return c
}

// Find performs the bucket-key pre-filtered cosine-similarity
// retrieval described by the cache design: load all live entries for
// (tenant, kind), keep only those whose bucket key matches exactly,
// score the rest by cosine similarity, and return the single best
// match at or above threshold. Ties are broken by most-recent
// generation time.
func (e *Engine) Find(ctx context.Context, tenant string, kind Kind, bucketKey string, queryEmbedding []float64, threshold float64) (*LookupResult, bool) {
	c := e.storeFor(tenant, kind, false)
	if c == nil {
		e.recordMiss()
		return nil, false
	}

	now := time.Now()
	var best *Entry
	var bestSim float64

	for _, key := range c.Keys() {
		entry, ok := c.Peek(key)
		if !ok || entry.expired(now) || entry.BucketKey != bucketKey {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, entry.Embedding)
		if sim < threshold {
			continue
		}
		if best == nil || sim > bestSim || (sim == bestSim && entry.GeneratedAt.After(best.GeneratedAt)) {
			best = entry
			bestSim = sim
		}
	}

	if best == nil {
		e.recordMiss()
		return nil, false
	}

	// Promote to most-recently-used so capacity eviction favors it.
	c.Get(best.ID)
	e.recordHit()
	return &LookupResult{Entry: best, Similarity: bestSim}, true
}

// Put writes an entry through to the cache, attaching expiresAt as
// computed by the caller (now + the tenant's effective TTL for the
// endpoint). After writing it prunes expired entries for the bucket;
// capacity-based eviction of the least-recently-used entry is handled
// by the underlying LRU store automatically.
func (e *Engine) Put(tenant string, entry *Entry) {
	c := e.storeFor(tenant, entry.Kind, true)
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("%s-%d", entry.BucketKey, entry.GeneratedAt.UnixNano())
	}
	c.Add(entry.ID, entry)
	e.pruneExpired(c)
}

func (e *Engine) pruneExpired(c *lru.Cache[string, *Entry]) {
	now := time.Now()
	for _, key := range c.Keys() {
		if entry, ok := c.Peek(key); ok && entry.expired(now) {
			c.Remove(key)
		}
	}
}

// CleanupExpired drops every expired entry for a tenant across both
// kinds and returns the count removed.
func (e *Engine) CleanupExpired(tenant string) int {
	removed := 0
	for _, kind := range []Kind{KindChat, KindCompletion} {
		c := e.storeFor(tenant, kind, false)
		if c == nil {
			continue
		}
		now := time.Now()
		for _, key := range c.Keys() {
			if entry, ok := c.Peek(key); ok && entry.expired(now) {
				c.Remove(key)
				removed++
			}
		}
	}
	return removed
}

// Invalidate removes entries for a tenant matching the given filter
// and returns the count removed. At least one filter field must be
// meaningfully set by the caller; Invalidate itself performs no such
// validation (that belongs to the HTTP layer, which rejects empty
// filters with 400).
func (e *Engine) Invalidate(tenant string, filter InvalidateFilter) int {
	removed := 0
	kinds := []Kind{KindChat, KindCompletion}
	if filter.Kind != "" {
		kinds = []Kind{filter.Kind}
	}

	for _, kind := range kinds {
		c := e.storeFor(tenant, kind, false)
		if c == nil {
			continue
		}
		for _, key := range c.Keys() {
			entry, ok := c.Peek(key)
			if !ok {
				continue
			}
			if filter.Model != "" && entry.Model != filter.Model {
				continue
			}
			if !filter.CreatedBefore.IsZero() && !entry.GeneratedAt.Before(filter.CreatedBefore) {
				continue
			}
			if !filter.CreatedAfter.IsZero() && !entry.GeneratedAt.After(filter.CreatedAfter) {
				continue
			}
			c.Remove(key)
			removed++
		}
	}
	return removed
}

// FlushTenant removes every entry for a tenant across both kinds.
func (e *Engine) FlushTenant(tenant string) int {
	removed := 0
	for _, kind := range []Kind{KindChat, KindCompletion} {
		key := storeKey(tenant, kind)
		e.mu.Lock()
		c, ok := e.buckets[key]
		if ok {
			removed += c.Len()
			delete(e.buckets, key)
		}
		e.mu.Unlock()
	}
	return removed
}

// Stats reports cumulative hit/miss counters.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := e.hits + e.misses
	var rate float64
	if total > 0 {
		rate = float64(e.hits) / float64(total) * 100
	}
	return Stats{Hits: e.hits, Misses: e.misses, HitRate: math.Round(rate*100) / 100}
}

func (e *Engine) recordHit() {
	e.mu.Lock()
	e.hits++
	e.mu.Unlock()
}

func (e *Engine) recordMiss() {
	e.mu.Lock()
	e.misses++
	e.mu.Unlock()
}

// cosineSimilarity computes dot(a,b) / (‖a‖·‖b‖), returning 0 if either
// norm is zero or the vectors differ in length.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
