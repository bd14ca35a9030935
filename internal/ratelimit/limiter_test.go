package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsBadQuotas(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{DomainRPS: 0, GlobalRPS: 10}); err == nil {
		t.Fatal("expected error for zero domain quota")
	}
	if _, err := New(Config{DomainRPS: 5, GlobalRPS: -1}); err == nil {
		t.Fatal("expected error for negative global quota")
	}
	if _, err := New(Config{DomainRPS: 5, GlobalRPS: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAcquireEnforcesDomainQuota(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 10, GlobalRPS: 1000})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// 3 acquisitions at 10/s should take at least (3-1)/10 = 200ms.
	start := time.Now()
	for range 3 {
		if err := l.Acquire(ctx, "example.com"); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("3 acquisitions finished in %v, want >= ~200ms", elapsed)
	}
}

func TestAcquireIndependentDomains(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 1, GlobalRPS: 1000})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := l.Acquire(ctx, "a.com"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Acquire(ctx, "b.com"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("b.com blocked for %v by a.com's bucket", elapsed)
	}
}

func TestGlobalCapDominates(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 100, GlobalRPS: 10})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Alternating domains are still throttled by the global bucket:
	// 4 acquisitions at a 10/s global cap take at least ~300ms.
	start := time.Now()
	domains := []string{"a.com", "b.com", "a.com", "b.com"}
	for _, d := range domains {
		if err := l.Acquire(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("4 acquisitions across domains finished in %v, want >= ~300ms", elapsed)
	}
}

func TestAcquireCancellation(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 1, GlobalRPS: 1000})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Acquire(context.Background(), "slow.com"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "slow.com"); err == nil {
		t.Fatal("expected cancellation error while waiting")
	}

	// The canceled wait must not have consumed the domain token: once the
	// bucket refills, the next acquire succeeds in roughly one refill
	// interval, not two.
	start := time.Now()
	if err := l.Acquire(context.Background(), "slow.com"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 1200*time.Millisecond {
		t.Errorf("acquire after cancellation took %v, token was leaked", elapsed)
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 1, GlobalRPS: 1000})
	if err != nil {
		t.Fatal(err)
	}

	limited, wait := l.Status("fresh.com")
	if limited || wait != 0 {
		t.Fatalf("unknown domain reported limited=%v wait=%v", limited, wait)
	}

	if err := l.Acquire(context.Background(), "fresh.com"); err != nil {
		t.Fatal(err)
	}
	limited, wait = l.Status("fresh.com")
	if !limited {
		t.Fatal("expected domain to be limited after consuming its token")
	}
	if wait <= 0 || wait > 1100*time.Millisecond {
		t.Errorf("wait estimate %v out of range", wait)
	}

	// Repeated Status calls must not change the picture.
	again, _ := l.Status("fresh.com")
	if !again {
		t.Fatal("Status consumed a token")
	}
}

func TestResetRecreatesBucket(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 1, GlobalRPS: 1000})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := l.Acquire(ctx, "reset.com"); err != nil {
		t.Fatal(err)
	}
	l.Reset("reset.com")

	start := time.Now()
	if err := l.Acquire(ctx, "reset.com"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("acquire after reset waited %v, want immediate", elapsed)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	l, err := New(Config{DomainRPS: 5, GlobalRPS: 50})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, d := range []string{"a.com", "b.com", "a.com"} {
		if err := l.Acquire(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	stats := l.Stats()
	if stats.TrackedDomains != 2 {
		t.Errorf("TrackedDomains = %d, want 2", stats.TrackedDomains)
	}
	if stats.DomainRPS != 5 || stats.GlobalRPS != 50 {
		t.Errorf("quotas = %v/%v, want 5/50", stats.DomainRPS, stats.GlobalRPS)
	}
}
