// Package ratelimit implements the two-level token bucket admission control
// used by the dispatcher: one lazily created bucket per destination domain
// plus a single global bucket that caps aggregate throughput.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter quotas in requests per second. Quotas are fixed
// at construction time.
type Config struct {
	DomainRPS float64
	GlobalRPS float64
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	TrackedDomains int     `json:"tracked_domains"`
	DomainRPS      float64 `json:"domain_rps"`
	GlobalRPS      float64 `json:"global_rps"`
}

// Limiter enforces per-domain and global request quotas. Domain buckets are
// independent of each other; every acquisition also passes through the global
// bucket, so aggregate throughput stays capped even when each domain is
// individually compliant.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*rate.Limiter
	global  *rate.Limiter
	cfg     Config
}

// New validates the quotas and builds a Limiter. Buckets hold at most one
// token so N back-to-back acquisitions against one domain take at least
// (N-1)/quota seconds.
func New(cfg Config) (*Limiter, error) {
	if cfg.DomainRPS <= 0 {
		return nil, fmt.Errorf("ratelimit: domain quota must be > 0, got %v", cfg.DomainRPS)
	}
	if cfg.GlobalRPS <= 0 {
		return nil, fmt.Errorf("ratelimit: global quota must be > 0, got %v", cfg.GlobalRPS)
	}
	return &Limiter{
		domains: make(map[string]*rate.Limiter),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1),
		cfg:     cfg,
	}, nil
}

// Acquire blocks until both the global bucket and the domain bucket have a
// free token, consuming one from each. It only fails when ctx is canceled
// while waiting; a canceled wait does not leave a domain token consumed.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	// Global first, matching the dispatch order of the rest of the pipeline:
	// a request that cannot pass the global cap should not reserve domain
	// capacity. Cancellation between the two waits forfeits the global token
	// already consumed; the bucket refills continuously, so the loss is
	// bounded by one token.
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: global wait: %w", err)
	}
	if err := l.bucket(domain).Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: domain %q wait: %w", domain, err)
	}
	return nil
}

// Status reports whether the domain is currently limited and an estimate of
// how long a caller would wait. It does not consume a token. A domain with no
// bucket yet is unlimited.
func (l *Limiter) Status(domain string) (bool, time.Duration) {
	l.mu.Lock()
	bucket, ok := l.domains[domain]
	l.mu.Unlock()
	if !ok {
		return false, 0
	}
	tokens := bucket.Tokens()
	if tokens >= 1 {
		return false, 0
	}
	wait := time.Duration((1 - tokens) / float64(bucket.Limit()) * float64(time.Second))
	return true, wait
}

// Reset discards the domain's bucket. The next Acquire recreates it fresh,
// which is used for administrative resets after manual proxy or session
// rotation.
func (l *Limiter) Reset(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.domains, domain)
}

// Stats returns the tracked domain count and configured quotas.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TrackedDomains: len(l.domains),
		DomainRPS:      l.cfg.DomainRPS,
		GlobalRPS:      l.cfg.GlobalRPS,
	}
}

func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.domains[domain]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.cfg.DomainRPS), 1)
		l.domains[domain] = bucket
	}
	return bucket
}
