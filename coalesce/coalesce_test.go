package coalesce

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCoalescer(t *testing.T, cfg Config) *Coalescer {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, cfg)
}

func TestAcquireFirstCallerIsLeader(t *testing.T) {
	c := newTestCoalescer(t, DefaultConfig())
	res, err := c.Acquire(context.Background(), "tenant", "fp-1", "req-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Leader {
		t.Fatal("expected the first caller to become leader")
	}
}

func TestAcquireSecondCallerIsFollower(t *testing.T) {
	c := newTestCoalescer(t, DefaultConfig())
	ctx := context.Background()

	if res, err := c.Acquire(ctx, "tenant", "fp-1", "req-1"); err != nil || !res.Leader {
		t.Fatalf("expected leader, got %+v err=%v", res, err)
	}
	res, err := c.Acquire(ctx, "tenant", "fp-1", "req-2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Leader {
		t.Fatal("expected the second caller to become a follower")
	}
	if res.ExistingRequestID != "req-1" {
		t.Fatalf("expected ExistingRequestID=req-1, got %q", res.ExistingRequestID)
	}
}

func TestPublishDeliversResponseToFollower(t *testing.T) {
	c := newTestCoalescer(t, DefaultConfig())
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "tenant", "fp-1", "req-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Publish(ctx, "tenant", "fp-1", []byte(`{"id":"resp-1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	payload, ok, err := c.AwaitResponse(ctx, "tenant", "fp-1")
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if !ok {
		t.Fatal("expected a published response to be visible")
	}
	if string(payload) != `{"id":"resp-1"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestAwaitResponseReturnsFalseWhenLeaseReleasedWithoutPublish(t *testing.T) {
	c := newTestCoalescer(t, DefaultConfig())
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "tenant", "fp-1", "req-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Release(ctx, "tenant", "fp-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	_, ok, err := c.AwaitResponse(ctx, "tenant", "fp-1")
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if ok {
		t.Fatal("expected no response after a leader released without publishing")
	}
}

func TestAwaitResponseHonorsWaitCeiling(t *testing.T) {
	cfg := Config{LeaseTTL: time.Minute, PollInterval: 5 * time.Millisecond, WaitCeiling: 20 * time.Millisecond, PublishTTL: time.Minute}
	c := newTestCoalescer(t, cfg)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "tenant", "fp-1", "req-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	_, ok, err := c.AwaitResponse(ctx, "tenant", "fp-1")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if ok {
		t.Fatal("expected no response before the wait ceiling elapses")
	}
	if elapsed > time.Second {
		t.Fatalf("AwaitResponse took too long to respect the wait ceiling: %v", elapsed)
	}
}
