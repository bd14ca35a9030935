// Package dispatcher composes the rate limiter, proxy pool, and session
// store into the prepare/report contract collection workers use.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/metrics"
	"github.com/swoophq/swoop-dispatch/internal/proxypool"
	"github.com/swoophq/swoop-dispatch/internal/ratelimit"
	"github.com/swoophq/swoop-dispatch/internal/session"
)

const (
	defaultBaseDelay        = 3 * time.Second
	defaultDelayVariance    = 0.5
	defaultMinDelay         = 500 * time.Millisecond
	defaultFailureThreshold = 3
)

// DelayConfig shapes the human-plausible pause attached to each prepared
// request: base ± base*variance, floored at the minimum.
type DelayConfig struct {
	Base     time.Duration
	Variance float64
	Min      time.Duration
}

// Config controls dispatcher behavior.
type Config struct {
	Delay DelayConfig
	// FailureThreshold is the consecutive failure count per platform after
	// which the session's proxy binding is flagged for lazy re-rotation.
	FailureThreshold int
	Logger           *zap.Logger
}

// RequestDescriptor is everything a worker needs to perform one collection
// request. The dispatcher owns nothing in it beyond the request scope.
type RequestDescriptor struct {
	Platform    string
	Domain      string
	SessionID   string
	Proxy       *proxypool.Descriptor
	UserAgent   string
	Headers     map[string]string
	Cookies     []session.Cookie
	Fingerprint []byte
	Delay       time.Duration
}

// Stats is the merged view over all three components.
type Stats struct {
	RateLimiter ratelimit.Stats `json:"rate_limiter"`
	ProxyPool   proxypool.Stats `json:"proxy_pool"`
	Sessions    session.Stats   `json:"sessions"`
}

// Dispatcher sequences admission, session resolution, and timing for each
// request, and feeds reported outcomes back into proxy health and session
// counters. It holds no lock of one component while calling another.
type Dispatcher struct {
	limiter  *ratelimit.Limiter
	pool     *proxypool.Pool
	sessions *session.Store
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

// New wires a Dispatcher over its three components.
func New(limiter *ratelimit.Limiter, pool *proxypool.Pool, sessions *session.Store, cfg Config) (*Dispatcher, error) {
	if limiter == nil || pool == nil || sessions == nil {
		return nil, fmt.Errorf("dispatcher: limiter, pool, and session store are required")
	}
	if cfg.Delay.Base <= 0 {
		cfg.Delay.Base = defaultBaseDelay
	}
	if cfg.Delay.Variance <= 0 {
		cfg.Delay.Variance = defaultDelayVariance
	}
	if cfg.Delay.Variance >= 1 {
		return nil, fmt.Errorf("dispatcher: delay variance must be < 1, got %v", cfg.Delay.Variance)
	}
	if cfg.Delay.Min <= 0 {
		cfg.Delay.Min = defaultMinDelay
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		limiter:  limiter,
		pool:     pool,
		sessions: sessions,
		cfg:      cfg,
		logger:   cfg.Logger,
		failures: make(map[string]int),
	}, nil
}

// Prepare waits for rate limit admission on the domain, resolves the
// platform's sticky session, and assembles the request descriptor. It blocks
// only inside the limiter; cancellation there aborts with no session or
// proxy side effects.
func (d *Dispatcher) Prepare(ctx context.Context, platform, domain string) (RequestDescriptor, error) {
	start := time.Now()
	if err := d.limiter.Acquire(ctx, domain); err != nil {
		return RequestDescriptor{}, err
	}
	metrics.ObserveRateLimitWait(domain, time.Since(start))

	snap, err := d.sessions.GetOrCreate(platform)
	if err != nil {
		return RequestDescriptor{}, err
	}

	desc := RequestDescriptor{
		Platform:    platform,
		Domain:      domain,
		SessionID:   snap.ID,
		Proxy:       snap.Proxy,
		UserAgent:   snap.UserAgent,
		Headers:     snap.Headers,
		Cookies:     snap.Cookies,
		Fingerprint: snap.Fingerprint,
		Delay:       d.sampleDelay(),
	}
	metrics.ObservePrepare(platform)
	d.logger.Debug("request prepared",
		zap.String("platform", platform),
		zap.String("domain", domain),
		zap.String("proxy", snap.Proxy.ID()),
		zap.Duration("delay", desc.Delay),
	)
	return desc, nil
}

// Report feeds one request outcome back into the session counters and the
// proxy health score. Once a platform accumulates FailureThreshold
// consecutive failures, its session is flagged so the next Prepare resolves
// a fresh proxy; the rotation itself stays lazy.
func (d *Dispatcher) Report(platform, proxyID string, success bool, responseTime time.Duration) {
	d.sessions.UpdateOutcome(platform, success)
	d.pool.Report(proxyID, success)
	metrics.ObserveReport(platform, success)

	d.mu.Lock()
	if success {
		delete(d.failures, platform)
		d.mu.Unlock()
		return
	}
	d.failures[platform]++
	streak := d.failures[platform]
	rotate := streak >= d.cfg.FailureThreshold
	if rotate {
		delete(d.failures, platform)
	}
	d.mu.Unlock()

	if rotate {
		d.sessions.ForceRebind(platform)
		d.logger.Warn("proxy flagged for re-rotation",
			zap.String("platform", platform),
			zap.String("proxy", proxyID),
			zap.Int("consecutive_failures", streak),
			zap.Duration("response_time", responseTime),
		)
	}
}

// Stats merges the component snapshots.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		RateLimiter: d.limiter.Stats(),
		ProxyPool:   d.pool.Stats(),
		Sessions:    d.sessions.Stats(),
	}
}

// ResetDomain discards a domain's rate limit bucket, for administrative
// resets after manual rotation.
func (d *Dispatcher) ResetDomain(domain string) {
	d.limiter.Reset(domain)
}

func (d *Dispatcher) sampleDelay() time.Duration {
	base := float64(d.cfg.Delay.Base)
	spread := base * d.cfg.Delay.Variance
	delay := time.Duration(base + spread*(2*rand.Float64()-1))
	return max(delay, d.cfg.Delay.Min)
}
