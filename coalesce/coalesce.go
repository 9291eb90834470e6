// Package coalesce implements the request coalescer: it prevents
// duplicate upstream calls when multiple identical requests arrive
// before the first has populated the cache. Leadership and the
// follower-visible response slot are held in the shared Redis store so
// coalescing works across gateway processes, not just within one.
package coalesce

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config bounds the coalescer's timing behavior.
type Config struct {
	LeaseTTL     time.Duration // how long a leader's lease is valid
	PollInterval time.Duration // how often a follower polls for the response
	WaitCeiling  time.Duration // hard ceiling on a follower's wait
	PublishTTL   time.Duration // how long a published response stays visible
}

func DefaultConfig() Config {
	return Config{
		LeaseTTL:     30 * time.Second,
		PollInterval: 50 * time.Millisecond,
		WaitCeiling:  35 * time.Second,
		PublishTTL:   10 * time.Second,
	}
}

type Coalescer struct {
	rdb *redis.Client
	cfg Config
}

func New(rdb *redis.Client, cfg Config) *Coalescer {
	return &Coalescer{rdb: rdb, cfg: cfg}
}

func leaseKey(tenant, fingerprint string) string {
	return "coalesce:lease:" + tenant + ":" + fingerprint
}

func responseKey(tenant, fingerprint string) string {
	return "coalesce:resp:" + tenant + ":" + fingerprint
}

// AcquireResult reports the outcome of an Acquire call.
type AcquireResult struct {
	Leader            bool
	ExistingRequestID string
}

// Acquire attempts to install the caller as leader for (tenant,
// fingerprint) under a short-lived lease. Redis TTL on the lease key
// means a stale leader's lease is reclaimed automatically by the next
// SetNX once it expires — no explicit staleness check is needed.
func (c *Coalescer) Acquire(ctx context.Context, tenant, fingerprint, requestID string) (AcquireResult, error) {
	key := leaseKey(tenant, fingerprint)
	ok, err := c.rdb.SetNX(ctx, key, requestID, c.cfg.LeaseTTL).Result()
	if err != nil {
		return AcquireResult{}, err
	}
	if ok {
		return AcquireResult{Leader: true}, nil
	}
	existing, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Lease vanished between SetNX and Get; retry once as leader.
		ok2, err2 := c.rdb.SetNX(ctx, key, requestID, c.cfg.LeaseTTL).Result()
		if err2 != nil {
			return AcquireResult{}, err2
		}
		return AcquireResult{Leader: ok2}, nil
	}
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Leader: false, ExistingRequestID: existing}, nil
}

// AwaitResponse is the follower wait loop. It polls the response slot
// at cfg.PollInterval up to cfg.WaitCeiling. It returns ok=false if the
// leader's lease disappears without a published response (failed
// leader) or the wait ceiling elapses.
func (c *Coalescer) AwaitResponse(ctx context.Context, tenant, fingerprint string) (json.RawMessage, bool, error) {
	deadline := time.Now().Add(c.cfg.WaitCeiling)
	rKey := responseKey(tenant, fingerprint)
	lKey := leaseKey(tenant, fingerprint)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		raw, err := c.rdb.Get(ctx, rKey).Bytes()
		if err == nil {
			return json.RawMessage(raw), true, nil
		}
		if err != redis.Nil {
			return nil, false, err
		}

		exists, err := c.rdb.Exists(ctx, lKey).Result()
		if err != nil {
			return nil, false, err
		}
		if exists == 0 {
			return nil, false, nil
		}

		if time.Now().After(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Publish stores the leader's response in a short-lived follower-visible
// slot and releases the lease.
func (c *Coalescer) Publish(ctx context.Context, tenant, fingerprint string, response json.RawMessage) error {
	if err := c.rdb.Set(ctx, responseKey(tenant, fingerprint), []byte(response), c.cfg.PublishTTL).Err(); err != nil {
		return err
	}
	return c.rdb.Del(ctx, leaseKey(tenant, fingerprint)).Err()
}

// Release drops the lease without publishing a response, used on
// upstream error so a waiting follower promotes itself to leader.
func (c *Coalescer) Release(ctx context.Context, tenant, fingerprint string) error {
	return c.rdb.Del(ctx, leaseKey(tenant, fingerprint)).Err()
}
