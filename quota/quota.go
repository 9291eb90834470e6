// Package quota implements the gateway's rate and quota limiter: a
// fixed 60-second (minute-bucket) request-rate window plus a calendar-month request
// quota, both keyed per tenant and backed by the shared Redis store.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Plan describes the admission limits for a tenant.
type Plan struct {
	RequestsPerMinute int
	RequestsPerMonth  int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration

	QuotaRemaining int
	QuotaLimit     int
	QuotaResetAt   time.Time
}

// Limiter evaluates the minute window and monthly counter for a tenant.
type Limiter struct {
	rdb *redis.Client
	log zerolog.Logger
}

func New(rdb *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{rdb: rdb, log: log.With().Str("component", "quota").Logger()}
}

func minuteBucketKey(tenant string, now time.Time) (string, time.Time) {
	bucketStart := now.Truncate(time.Minute)
	return fmt.Sprintf("ratelimit:%s:%d", tenant, bucketStart.Unix()), bucketStart.Add(time.Minute)
}

func monthKey(tenant string, now time.Time) (string, time.Time) {
	y, m, _ := now.UTC().Date()
	resetAt := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return fmt.Sprintf("quota:%s:%04d-%02d", tenant, y, int(m)), resetAt
}

// Admit evaluates both the minute window and the monthly counter. It
// increments the minute counter as part of the check (a denied request
// still counts against the window, matching the "observed" semantics
// of a single INCR-then-compare). The monthly counter is NOT
// incremented here — callers call Observe separately, after admission,
// before dispatch.
//
// A shared-store outage fails open: if the counter cannot be read or
// written, the request is admitted and a warning is logged.
func (l *Limiter) Admit(ctx context.Context, tenant string, plan Plan) (Decision, error) {
	now := time.Now()
	dec := Decision{Allowed: true}

	minuteKey, minuteReset := minuteBucketKey(tenant, now)
	dec.ResetAt = minuteReset
	dec.Limit = plan.RequestsPerMinute

	count, err := l.incrWithExpiry(ctx, minuteKey, time.Minute)
	if err != nil {
		l.log.Warn().Err(err).Str("tenant", tenant).Msg("rate counter unavailable, failing open")
		dec.Remaining = plan.RequestsPerMinute
	} else {
		dec.Remaining = plan.RequestsPerMinute - int(count)
		if dec.Remaining < 0 {
			dec.Remaining = 0
		}
		if plan.RequestsPerMinute > 0 && int(count) > plan.RequestsPerMinute {
			dec.Allowed = false
			dec.RetryAfter = time.Until(minuteReset)
			if dec.RetryAfter < 0 {
				dec.RetryAfter = 0
			}
		}
	}

	mKey, mReset := monthKey(tenant, now)
	dec.QuotaResetAt = mReset
	dec.QuotaLimit = plan.RequestsPerMonth

	mCount, err := l.get(ctx, mKey)
	if err != nil {
		l.log.Warn().Err(err).Str("tenant", tenant).Msg("quota counter unavailable, failing open")
		dec.QuotaRemaining = plan.RequestsPerMonth
	} else {
		dec.QuotaRemaining = plan.RequestsPerMonth - mCount
		if dec.QuotaRemaining < 0 {
			dec.QuotaRemaining = 0
		}
		if plan.RequestsPerMonth > 0 && mCount >= plan.RequestsPerMonth {
			dec.Allowed = false
			if dec.RetryAfter == 0 {
				dec.RetryAfter = time.Until(mReset)
			}
		}
	}

	return dec, nil
}

// Observe increments the monthly counter. Called after admission,
// before dispatch to the upstream provider.
func (l *Limiter) Observe(ctx context.Context, tenant string) error {
	now := time.Now()
	mKey, mReset := monthKey(tenant, now)
	ttl := time.Until(mReset)
	if ttl <= 0 {
		ttl = time.Hour
	}
	_, err := l.incrWithExpiry(ctx, mKey, ttl)
	if err != nil {
		l.log.Warn().Err(err).Str("tenant", tenant).Msg("failed to observe monthly quota, failing open")
	}
	return nil
}

func (l *Limiter) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (l *Limiter) get(ctx context.Context, key string) (int, error) {
	v, err := l.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
