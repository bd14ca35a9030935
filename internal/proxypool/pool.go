// Package proxypool tracks egress proxy health and performs health-aware
// round-robin selection within regional pools.
package proxypool

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/clock"
)

// Kind classifies a proxy's network origin.
type Kind string

// Proxy kinds.
const (
	KindResidential Kind = "residential"
	KindDatacenter  Kind = "datacenter"
	KindMobile      Kind = "mobile"
)

const (
	emaOldWeight     = 0.9
	emaNewWeight     = 0.1
	healthyThreshold = 0.5

	defaultMaxFailures = 5
)

// Credentials is the optional proxy auth pair.
type Credentials struct {
	Username string
	Password string
}

// Geo holds the proxy's advertised location tags.
type Geo struct {
	Country string
	Region  string
	City    string
	ISP     string
}

// Descriptor is the immutable identity of a proxy. It is created when the
// proxy is added to a pool and never mutated afterwards; health state lives
// separately inside the pool.
type Descriptor struct {
	Host        string
	Port        int
	Kind        Kind
	Credentials *Credentials
	Geo         Geo
}

// ID returns the host:port key used to reference the proxy in reports.
func (d *Descriptor) ID() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// URL renders the proxy as an http proxy URL, including credentials when set.
func (d *Descriptor) URL() string {
	u := url.URL{Scheme: "http", Host: d.ID()}
	if d.Credentials != nil {
		u.User = url.UserPassword(d.Credentials.Username, d.Credentials.Password)
	}
	return u.String()
}

// Health is a snapshot of a proxy's mutable health state.
type Health struct {
	Score               float64   `json:"score"`
	SuccessCount        uint64    `json:"success_count"`
	FailureCount        uint64    `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used,omitempty"`
}

// entry pairs a descriptor with its guarded health record. The per-entry
// mutex serializes concurrent Report calls for one proxy without taking the
// pool lock.
type entry struct {
	desc *Descriptor

	mu     sync.Mutex
	health Health
}

func (e *entry) report(success bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.health.SuccessCount++
		e.health.ConsecutiveFailures = 0
		e.health.Score = min(e.health.Score*emaOldWeight+emaNewWeight, 1.0)
	} else {
		e.health.FailureCount++
		e.health.ConsecutiveFailures++
		e.health.Score = e.health.Score * emaOldWeight
	}
	e.health.LastUsed = now
}

func (e *entry) healthy(maxFailures int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.Score > healthyThreshold && e.health.ConsecutiveFailures < maxFailures
}

func (e *entry) snapshot() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// regionPool is one region's proxy list with its round-robin cursor.
type regionPool struct {
	mu      sync.Mutex
	entries []*entry
	cursor  int
}

// Prober checks connectivity of a single proxy. Implementations live outside
// the pool; HealthCheckAll folds their verdicts into the health scores.
type Prober interface {
	Probe(ctx context.Context, desc *Descriptor) bool
}

// Config controls pool behavior.
type Config struct {
	// MaxFailures is the consecutive failure count at which a proxy stops
	// being handed out even if its score is still above threshold.
	MaxFailures int
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Stats aggregates pool state across regions.
type Stats struct {
	TotalProxies   int                    `json:"total_proxies"`
	HealthyProxies int                    `json:"healthy_proxies"`
	PerRegion      map[string]RegionStats `json:"per_region"`
}

// RegionStats is one region's share of the pool.
type RegionStats struct {
	TotalProxies   int `json:"total_proxies"`
	HealthyProxies int `json:"healthy_proxies"`
}

// Pool holds regional proxy groups. Selection advances a per-region cursor
// regardless of health outcome, so unhealthy proxies are skipped but regain
// their slot in the rotation once they recover.
type Pool struct {
	mu      sync.RWMutex
	regions map[string]*regionPool
	index   map[string]*entry

	maxFailures int
	clock       clock.Clock
	logger      *zap.Logger
}

// New creates an empty Pool. Proxies are added per region with AddProxy.
func New(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		regions:     make(map[string]*regionPool),
		index:       make(map[string]*entry),
		maxFailures: cfg.MaxFailures,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// AddProxy appends the descriptor to the region's pool, creating the region
// on first use. A proxy starts with a full health score. Re-adding the same
// host:port replaces its index entry but does not deduplicate the list.
func (p *Pool) AddProxy(region string, desc *Descriptor) {
	e := &entry{desc: desc, health: Health{Score: 1.0}}

	p.mu.Lock()
	rp, ok := p.regions[region]
	if !ok {
		rp = &regionPool{}
		p.regions[region] = rp
	}
	p.index[desc.ID()] = e
	p.mu.Unlock()

	rp.mu.Lock()
	rp.entries = append(rp.entries, e)
	rp.mu.Unlock()

	p.logger.Debug("proxy added",
		zap.String("region", region),
		zap.String("proxy", desc.ID()),
		zap.String("kind", string(desc.Kind)),
	)
}

// NextHealthy returns the next healthy proxy in the region's rotation, or nil
// when a full cycle finds none (the region is exhausted and the caller must
// fall back or fail upstream).
func (p *Pool) NextHealthy(region string) *Descriptor {
	p.mu.RLock()
	rp, ok := p.regions[region]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if len(rp.entries) == 0 {
		return nil
	}
	for range rp.entries {
		e := rp.entries[rp.cursor%len(rp.entries)]
		rp.cursor = (rp.cursor + 1) % len(rp.entries)
		if e.healthy(p.maxFailures) {
			return e.desc
		}
	}
	return nil
}

// Report folds a request outcome into the proxy's health score:
// success moves the EMA toward 1 (score*0.9 + 0.1), failure decays it
// (score*0.9). Unknown proxy IDs are ignored; the proxy may have been pruned
// while the request was in flight.
func (p *Pool) Report(proxyID string, success bool) {
	p.mu.RLock()
	e, ok := p.index[proxyID]
	p.mu.RUnlock()
	if !ok {
		p.logger.Debug("report for unknown proxy", zap.String("proxy", proxyID))
		return
	}
	e.report(success, p.clock.Now())
}

// Healthy reports whether the proxy is currently considered healthy. Unknown
// proxies are unhealthy.
func (p *Pool) Healthy(proxyID string) bool {
	p.mu.RLock()
	e, ok := p.index[proxyID]
	p.mu.RUnlock()
	return ok && e.healthy(p.maxFailures)
}

// Health returns the current health snapshot for a proxy, if tracked.
func (p *Pool) Health(proxyID string) (Health, bool) {
	p.mu.RLock()
	e, ok := p.index[proxyID]
	p.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	return e.snapshot(), true
}

// ProxyHealth pairs a proxy with its health snapshot for reporting surfaces.
type ProxyHealth struct {
	Region  string `json:"region"`
	Proxy   string `json:"proxy"`
	Kind    Kind   `json:"kind"`
	Healthy bool   `json:"healthy"`
	Health  Health `json:"health"`
}

// HealthReport lists every tracked proxy with its current health.
func (p *Pool) HealthReport() []ProxyHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ProxyHealth, 0, len(p.index))
	for region, rp := range p.regions {
		rp.mu.Lock()
		for _, e := range rp.entries {
			out = append(out, ProxyHealth{
				Region:  region,
				Proxy:   e.desc.ID(),
				Kind:    e.desc.Kind,
				Healthy: e.healthy(p.maxFailures),
				Health:  e.snapshot(),
			})
		}
		rp.mu.Unlock()
	}
	return out
}

// HealthCheckAll probes every proxy and folds each verdict into its health
// score via Report. It returns the number of proxies that passed. Intended to
// run on a periodic timer, not on the request hot path.
func (p *Pool) HealthCheckAll(ctx context.Context, prober Prober) int {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.index))
	for _, e := range p.index {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	healthy := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		ok := prober.Probe(ctx, e.desc)
		e.report(ok, p.clock.Now())
		if ok {
			healthy++
		}
	}
	return healthy
}

// RemoveUnhealthy prunes proxies whose score has decayed to the threshold or
// below, returning the number removed. Their health records die with them; a
// re-added proxy starts fresh.
func (p *Pool) RemoveUnhealthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for region, rp := range p.regions {
		rp.mu.Lock()
		kept := rp.entries[:0]
		for _, e := range rp.entries {
			if e.snapshot().Score > healthyThreshold {
				kept = append(kept, e)
				continue
			}
			delete(p.index, e.desc.ID())
			removed++
			p.logger.Info("proxy pruned",
				zap.String("region", region),
				zap.String("proxy", e.desc.ID()),
			)
		}
		rp.entries = kept
		if len(rp.entries) > 0 {
			rp.cursor %= len(rp.entries)
		} else {
			rp.cursor = 0
		}
		rp.mu.Unlock()
	}
	return removed
}

// Stats reports totals and the per-region breakdown.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{PerRegion: make(map[string]RegionStats, len(p.regions))}
	for region, rp := range p.regions {
		rp.mu.Lock()
		rs := RegionStats{TotalProxies: len(rp.entries)}
		for _, e := range rp.entries {
			if e.healthy(p.maxFailures) {
				rs.HealthyProxies++
			}
		}
		rp.mu.Unlock()
		stats.TotalProxies += rs.TotalProxies
		stats.HealthyProxies += rs.HealthyProxies
		stats.PerRegion[region] = rs
	}
	return stats
}
