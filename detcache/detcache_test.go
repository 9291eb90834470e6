package detcache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestGetMissReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "no-such-fingerprint")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss for an unknown fingerprint")
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	entry := Entry{
		Payload:      json.RawMessage(`{"id":"chatcmpl-1"}`),
		Model:        "gpt-4",
		GeneratedAt:  time.Now().Truncate(time.Second),
		InputTokens:  10,
		OutputTokens: 5,
		TotalTokens:  15,
	}
	if err := s.Put(context.Background(), "fp-1", entry, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if got.Model != entry.Model || got.InputTokens != entry.InputTokens || got.OutputTokens != entry.OutputTokens {
		t.Fatalf("round-tripped entry mismatch: got %+v, want %+v", got, entry)
	}
	if string(got.Payload) != string(entry.Payload) {
		t.Fatalf("payload mismatch: got %s, want %s", got.Payload, entry.Payload)
	}
}

func TestPutRespectsTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb)

	entry := Entry{Payload: json.RawMessage(`{}`), Model: "gpt-4", GeneratedAt: time.Now()}
	if err := s.Put(context.Background(), "fp-ttl", entry, 5*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mr.FastForward(10 * time.Second)

	_, ok, err := s.Get(context.Background(), "fp-ttl")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected the entry to have expired")
	}
}

func TestDifferentFingerprintsDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	a := Entry{Payload: json.RawMessage(`{"a":1}`), Model: "gpt-4"}
	b := Entry{Payload: json.RawMessage(`{"b":2}`), Model: "gpt-4"}

	if err := s.Put(context.Background(), "fp-a", a, time.Minute); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := s.Put(context.Background(), "fp-b", b, time.Minute); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	gotA, _, _ := s.Get(context.Background(), "fp-a")
	gotB, _, _ := s.Get(context.Background(), "fp-b")
	if string(gotA.Payload) != string(a.Payload) || string(gotB.Payload) != string(b.Payload) {
		t.Fatal("entries for distinct fingerprints bled into one another")
	}
}
