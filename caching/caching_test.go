package caching

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(capacity int) *Engine {
	return NewEngine(zerolog.New(io.Discard), nil, capacity)
}

func TestFindMissesOnEmptyCache(t *testing.T) {
	e := newTestEngine(10)
	_, ok := e.Find(nil, "tenant-a", KindChat, "gpt-4:ctx1", []float64{1, 0, 0}, 0.9)
	if ok {
		t.Fatal("expected a miss on an empty cache")
	}
	if e.Stats().Misses != 1 {
		t.Fatalf("expected 1 recorded miss, got %d", e.Stats().Misses)
	}
}

func TestPutThenFindHitsAboveThreshold(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{
		BucketKey:   "gpt-4:ctx1",
		Model:       "gpt-4",
		Kind:        KindChat,
		Embedding:   []float64{1, 0, 0},
		GeneratedAt: time.Now(),
	})

	res, ok := e.Find(nil, "tenant-a", KindChat, "gpt-4:ctx1", []float64{1, 0, 0}, 0.9)
	if !ok {
		t.Fatal("expected a hit for an identical embedding")
	}
	if res.Similarity < 0.99 {
		t.Fatalf("expected near-1.0 similarity, got %f", res.Similarity)
	}
	if e.Stats().Hits != 1 {
		t.Fatalf("expected 1 recorded hit, got %d", e.Stats().Hits)
	}
}

func TestFindRejectsBelowThreshold(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{
		BucketKey:   "gpt-4:ctx1",
		Kind:        KindChat,
		Embedding:   []float64{1, 0, 0},
		GeneratedAt: time.Now(),
	})

	_, ok := e.Find(nil, "tenant-a", KindChat, "gpt-4:ctx1", []float64{0, 1, 0}, 0.9)
	if ok {
		t.Fatal("expected an orthogonal embedding to miss the similarity threshold")
	}
}

func TestFindRequiresExactBucketKeyMatch(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{
		BucketKey:   "gpt-4:ctx1",
		Kind:        KindChat,
		Embedding:   []float64{1, 0, 0},
		GeneratedAt: time.Now(),
	})

	_, ok := e.Find(nil, "tenant-a", KindChat, "gpt-4:ctx2", []float64{1, 0, 0}, 0.9)
	if ok {
		t.Fatal("expected a bucket key mismatch to miss regardless of similarity")
	}
}

func TestFindIgnoresExpiredEntries(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{
		BucketKey:   "gpt-4:ctx1",
		Kind:        KindChat,
		Embedding:   []float64{1, 0, 0},
		GeneratedAt: time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	_, ok := e.Find(nil, "tenant-a", KindChat, "gpt-4:ctx1", []float64{1, 0, 0}, 0.5)
	if ok {
		t.Fatal("expected an expired entry not to be returned")
	}
}

func TestTenantAndKindAreIsolated(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{BucketKey: "gpt-4:ctx1", Kind: KindChat, Embedding: []float64{1, 0, 0}, GeneratedAt: time.Now()})

	if _, ok := e.Find(nil, "tenant-b", KindChat, "gpt-4:ctx1", []float64{1, 0, 0}, 0.9); ok {
		t.Fatal("expected entries not to leak across tenants")
	}
	if _, ok := e.Find(nil, "tenant-a", KindCompletion, "gpt-4:ctx1", []float64{1, 0, 0}, 0.9); ok {
		t.Fatal("expected entries not to leak across kinds")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	e := newTestEngine(2)
	mk := func(id string) *Entry {
		return &Entry{ID: id, BucketKey: "gpt-4:ctx1", Kind: KindChat, Embedding: []float64{1, 0, 0}, GeneratedAt: time.Now()}
	}
	e.Put("tenant-a", mk("e1"))
	e.Put("tenant-a", mk("e2"))
	e.Put("tenant-a", mk("e3"))

	c := e.storeFor("tenant-a", KindChat, false)
	if c.Len() != 2 {
		t.Fatalf("expected capacity to cap the bucket at 2 entries, got %d", c.Len())
	}
	if c.Contains("e1") {
		t.Fatal("expected the oldest entry to be evicted first")
	}
}

func TestInvalidateByModel(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{ID: "e1", BucketKey: "b1", Model: "gpt-4", Kind: KindChat, GeneratedAt: time.Now()})
	e.Put("tenant-a", &Entry{ID: "e2", BucketKey: "b2", Model: "gpt-3.5-turbo", Kind: KindChat, GeneratedAt: time.Now()})

	removed := e.Invalidate("tenant-a", InvalidateFilter{Model: "gpt-4"})
	if removed != 1 {
		t.Fatalf("expected 1 entry removed, got %d", removed)
	}
	c := e.storeFor("tenant-a", KindChat, false)
	if c.Contains("e1") {
		t.Fatal("expected the gpt-4 entry to be invalidated")
	}
	if !c.Contains("e2") {
		t.Fatal("expected the gpt-3.5-turbo entry to survive")
	}
}

func TestFlushTenantRemovesBothKinds(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{ID: "e1", BucketKey: "b1", Kind: KindChat, GeneratedAt: time.Now()})
	e.Put("tenant-a", &Entry{ID: "e2", BucketKey: "b2", Kind: KindCompletion, GeneratedAt: time.Now()})

	removed := e.FlushTenant("tenant-a")
	if removed != 2 {
		t.Fatalf("expected 2 entries flushed, got %d", removed)
	}
	if _, ok := e.Find(nil, "tenant-a", KindChat, "b1", []float64{1}, 0); ok {
		t.Fatal("expected chat bucket to be empty after flush")
	}
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{ID: "live", BucketKey: "b1", Kind: KindChat, GeneratedAt: time.Now()})
	dead := &Entry{ID: "dead", BucketKey: "b1", Kind: KindChat, GeneratedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(time.Hour)}
	e.Put("tenant-a", dead)
	// Expire it only after Put, since Put itself prunes already-expired entries.
	dead.ExpiresAt = time.Now().Add(-time.Minute)

	removed := e.CleanupExpired("tenant-a")
	if removed != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", removed)
	}
	c := e.storeFor("tenant-a", KindChat, false)
	if !c.Contains("live") {
		t.Fatal("expected the live entry to survive cleanup")
	}
}

func TestStatsHitRateRounding(t *testing.T) {
	e := newTestEngine(10)
	e.Put("tenant-a", &Entry{BucketKey: "b1", Kind: KindChat, Embedding: []float64{1, 0, 0}, GeneratedAt: time.Now()})

	e.Find(nil, "tenant-a", KindChat, "b1", []float64{1, 0, 0}, 0.9)
	e.Find(nil, "tenant-a", KindChat, "missing-bucket", []float64{1, 0, 0}, 0.9)

	stats := e.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Fatalf("expected a 50%% hit rate, got %f", stats.HitRate)
	}
}
