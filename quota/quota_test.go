package quota

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zerolog.New(io.Discard)
	return New(rdb, log), mr
}

func TestAdmitAllowsWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	plan := Plan{RequestsPerMinute: 3}

	for i := 0; i < 3; i++ {
		dec, err := l.Admit(context.Background(), "tenant-a", plan)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d: expected allowed, got denied", i)
		}
	}
}

func TestAdmitDeniesOverMinuteLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	plan := Plan{RequestsPerMinute: 2}

	for i := 0; i < 2; i++ {
		if dec, _ := l.Admit(context.Background(), "tenant-a", plan); !dec.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}

	dec, err := l.Admit(context.Background(), "tenant-a", plan)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected the third request within the minute window to be denied")
	}
	if dec.RetryAfter <= 0 {
		t.Fatal("expected a positive RetryAfter on denial")
	}
}

func TestAdmitZeroLimitMeansUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	plan := Plan{RequestsPerMinute: 0}

	for i := 0; i < 50; i++ {
		if dec, _ := l.Admit(context.Background(), "tenant-a", plan); !dec.Allowed {
			t.Fatalf("request %d: expected unlimited plan to always admit", i)
		}
	}
}

func TestObserveIncrementsMonthlyQuota(t *testing.T) {
	l, _ := newTestLimiter(t)
	plan := Plan{RequestsPerMonth: 2}

	for i := 0; i < 2; i++ {
		dec, err := l.Admit(context.Background(), "tenant-a", plan)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d: expected allowed before quota is observed", i)
		}
		if err := l.Observe(context.Background(), "tenant-a"); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	dec, err := l.Admit(context.Background(), "tenant-a", plan)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected the monthly quota to be exhausted after two observed requests")
	}
}

func TestAdmitFailsOpenWhenRedisUnavailable(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	dec, err := l.Admit(context.Background(), "tenant-a", Plan{RequestsPerMinute: 1})
	if err != nil {
		t.Fatalf("Admit should not return an error on a store outage, got %v", err)
	}
	if !dec.Allowed {
		t.Fatal("expected fail-open behavior when the counter store is unreachable")
	}
}

func TestMinuteAndMonthWindowsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	plan := Plan{RequestsPerMinute: 1, RequestsPerMonth: 100}

	dec, _ := l.Admit(context.Background(), "tenant-a", plan)
	if !dec.Allowed {
		t.Fatal("expected first request admitted")
	}
	dec, _ = l.Admit(context.Background(), "tenant-a", plan)
	if dec.Allowed {
		t.Fatal("expected second request in the same minute to be denied by the minute window")
	}
	if dec.QuotaRemaining != plan.RequestsPerMonth {
		t.Fatalf("expected monthly quota untouched by the minute-window denial, got remaining=%d", dec.QuotaRemaining)
	}
}
