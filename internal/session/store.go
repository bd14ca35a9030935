// Package session manages per-platform browser sessions: sticky proxy
// bindings, cookie jars, header templates, and the opaque fingerprint blob a
// collaborator generates. The store guarantees exactly-once session creation
// per platform per expiry window under concurrent access.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/clock"
	"github.com/swoophq/swoop-dispatch/internal/id/uuid"
	"github.com/swoophq/swoop-dispatch/internal/metrics"
	"github.com/swoophq/swoop-dispatch/internal/proxypool"
)

// ErrProxyExhausted is returned when no healthy proxy exists in the
// platform's preferred region or the global fallback. Callers decide whether
// to back off, retry, or fail the collection upstream.
var ErrProxyExhausted = errors.New("session: no healthy proxy available")

const (
	defaultSessionTimeout = 30 * time.Minute
	defaultProxyTTL       = 5 * time.Minute
)

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// FingerprintProvider generates the opaque fingerprint blob stored on a new
// session. The store never interprets the blob.
type FingerprintProvider interface {
	Generate(platform string) ([]byte, error)
}

// Binding is the sticky proxy binding of a session. It expires a fixed TTL
// after creation regardless of activity; an expired binding is never handed
// out, only replaced.
type Binding struct {
	Proxy        *proxypool.Descriptor
	Platform     string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount uint64
}

func (b *Binding) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(b.CreatedAt) > ttl
}

// session is the store-internal mutable record. All mutation happens under
// the store's write lock.
type session struct {
	id             string
	platform       string
	cookies        []Cookie
	localStorage   map[string]string
	sessionStorage map[string]string
	userAgent      string
	viewport       Viewport
	headers        map[string]string
	fingerprint    []byte
	requestCount   uint64
	successCount   uint64
	createdAt      time.Time
	lastActivity   time.Time
	binding        *Binding
	forceRebind    bool
}

// Snapshot is the caller-visible copy of a session at one point in time.
// Maps and slices are copied; the proxy descriptor is immutable and shared.
type Snapshot struct {
	ID             string
	Platform       string
	Proxy          *proxypool.Descriptor
	UserAgent      string
	Viewport       Viewport
	Headers        map[string]string
	Cookies        []Cookie
	LocalStorage   map[string]string
	SessionStorage map[string]string
	Fingerprint    []byte
	RequestCount   uint64
	SuccessCount   uint64
	CreatedAt      time.Time
	LastActivity   time.Time
}

// Config controls store behavior.
type Config struct {
	// SessionTimeout is the idle window after which a session expires
	// (default 30m, measured from last activity).
	SessionTimeout time.Duration
	// ProxyTTL bounds a sticky proxy binding's lifetime (default 5m,
	// measured from binding creation).
	ProxyTTL time.Duration
	// Templates overrides or extends the built-in platform templates.
	Templates map[string]Template

	Clock        clock.Clock
	IDs          IDGenerator
	Fingerprints FingerprintProvider
	Logger       *zap.Logger
}

// Store is the platform-keyed session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	pool      *proxypool.Pool
	templates map[string]Template
	cfg       Config
	logger    *zap.Logger
}

// NewStore builds a Store backed by the given proxy pool.
func NewStore(pool *proxypool.Pool, cfg Config) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: proxy pool is required")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.SessionTimeout < 0 {
		return nil, fmt.Errorf("session: session timeout must be > 0, got %v", cfg.SessionTimeout)
	}
	if cfg.ProxyTTL == 0 {
		cfg.ProxyTTL = defaultProxyTTL
	}
	if cfg.ProxyTTL < 0 {
		return nil, fmt.Errorf("session: proxy ttl must be > 0, got %v", cfg.ProxyTTL)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.NewGenerator()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	templates := make(map[string]Template, len(defaultTemplates)+len(cfg.Templates))
	for name, tmpl := range defaultTemplates {
		templates[name] = tmpl
	}
	for name, tmpl := range cfg.Templates {
		templates[name] = tmpl
	}

	return &Store{
		sessions:  make(map[string]*session),
		pool:      pool,
		templates: templates,
		cfg:       cfg,
		logger:    cfg.Logger,
	}, nil
}

// GetOrCreate returns the platform's live session, creating one when none
// exists or the existing one has timed out. Concurrent calls for the same
// platform during creation observe the winner's session; exactly one creation
// happens per expiry window. A session whose proxy binding has expired (or
// was flagged for re-rotation) gets a fresh proxy before being returned.
func (s *Store) GetOrCreate(platform string) (Snapshot, error) {
	now := s.cfg.Clock.Now()

	// Optimistic read path: a valid session with a live binding needs no
	// write lock at all.
	s.mu.RLock()
	if sess, ok := s.sessions[platform]; ok && !s.sessionExpired(sess, now) && s.bindingLive(sess, now) {
		snap := snapshotOf(sess, now)
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock: another caller may have created or
	// refreshed the session while we were upgrading.
	if sess, ok := s.sessions[platform]; ok && !s.sessionExpired(sess, now) {
		if !s.bindingLive(sess, now) {
			if err := s.rebindLocked(sess, now); err != nil {
				return Snapshot{}, err
			}
		}
		return snapshotOf(sess, now), nil
	}

	return s.createLocked(platform, now)
}

func (s *Store) createLocked(platform string, now time.Time) (Snapshot, error) {
	tmpl, err := s.template(platform)
	if err != nil {
		return Snapshot{}, err
	}
	id, err := s.cfg.IDs.NewID()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: allocate id: %w", err)
	}

	headers := make(map[string]string, len(tmpl.Headers))
	for k, v := range tmpl.Headers {
		headers[k] = v
	}
	sess := &session{
		id:             id,
		platform:       platform,
		localStorage:   make(map[string]string),
		sessionStorage: make(map[string]string),
		userAgent:      tmpl.UserAgent,
		viewport:       randomViewport(),
		headers:        headers,
		createdAt:      now,
		lastActivity:   now,
	}

	if s.cfg.Fingerprints != nil {
		blob, err := s.cfg.Fingerprints.Generate(platform)
		if err != nil {
			// The fingerprint is an enrichment, not a prerequisite; a
			// session without one still dispatches.
			s.logger.Warn("fingerprint generation failed",
				zap.String("platform", platform), zap.Error(err))
		} else {
			sess.fingerprint = blob
		}
	}

	if err := s.rebindLocked(sess, now); err != nil {
		// No healthy proxy anywhere: do not register a session that could
		// never serve a request.
		return Snapshot{}, err
	}

	s.sessions[platform] = sess
	metrics.SetActiveSessions(len(s.sessions))
	s.logger.Info("session created",
		zap.String("platform", platform),
		zap.String("session_id", id),
		zap.String("proxy", sess.binding.Proxy.ID()),
	)
	return snapshotOf(sess, now), nil
}

func (s *Store) template(platform string) (Template, error) {
	tmpl, ok := s.templates[platform]
	if !ok {
		tmpl = s.templates["default"]
	}
	if tmpl.UserAgent == "" || len(tmpl.Headers) == 0 {
		return Template{}, fmt.Errorf("session: template for platform %q lacks user-agent or headers", platform)
	}
	return tmpl, nil
}

// rebindLocked resolves a fresh proxy for the session, preferring the
// platform's region and falling back to the global pool.
func (s *Store) rebindLocked(sess *session, now time.Time) error {
	region := proxypool.RegionForPlatform(sess.platform)
	desc := s.pool.NextHealthy(region)
	if desc == nil && region != proxypool.DefaultRegion {
		desc = s.pool.NextHealthy(proxypool.DefaultRegion)
	}
	if desc == nil {
		return fmt.Errorf("%w: platform %q region %q", ErrProxyExhausted, sess.platform, region)
	}
	sess.binding = &Binding{
		Proxy:      desc,
		Platform:   sess.platform,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	sess.forceRebind = false
	metrics.ObserveProxyRotation()
	return nil
}

func (s *Store) sessionExpired(sess *session, now time.Time) bool {
	return now.Sub(sess.lastActivity) > s.cfg.SessionTimeout
}

func (s *Store) bindingLive(sess *session, now time.Time) bool {
	if sess.forceRebind || sess.binding == nil {
		return false
	}
	if sess.binding.expired(now, s.cfg.ProxyTTL) {
		return false
	}
	return s.pool.Healthy(sess.binding.Proxy.ID())
}

func snapshotOf(sess *session, now time.Time) Snapshot {
	headers := make(map[string]string, len(sess.headers))
	for k, v := range sess.headers {
		headers[k] = v
	}
	var fingerprint []byte
	if len(sess.fingerprint) > 0 {
		fingerprint = append([]byte(nil), sess.fingerprint...)
	}
	snap := Snapshot{
		ID:             sess.id,
		Platform:       sess.platform,
		UserAgent:      sess.userAgent,
		Viewport:       sess.viewport,
		Headers:        headers,
		Cookies:        liveCookies(sess.cookies, now),
		LocalStorage:   copyStrings(sess.localStorage),
		SessionStorage: copyStrings(sess.sessionStorage),
		Fingerprint:    fingerprint,
		RequestCount:   sess.requestCount,
		SuccessCount:   sess.successCount,
		CreatedAt:      sess.createdAt,
		LastActivity:   sess.lastActivity,
	}
	if sess.binding != nil {
		snap.Proxy = sess.binding.Proxy
	}
	return snap
}

func copyStrings(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// UpdateStorage merges captured web storage entries into the session so
// replayed state carries across requests. Later values win per key; nil maps
// are no-ops. Unknown platforms are dropped like in UpdateOutcome.
func (s *Store) UpdateStorage(platform string, local, sessionScoped map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[platform]
	if !ok {
		return
	}
	for k, v := range local {
		sess.localStorage[k] = v
	}
	for k, v := range sessionScoped {
		sess.sessionStorage[k] = v
	}
}

// UpdateOutcome folds a request result into the session's counters and
// refreshes its activity stamp. Outcomes for unknown platforms are dropped;
// the session may have been evicted while the request was in flight.
func (s *Store) UpdateOutcome(platform string, success bool) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[platform]
	if !ok {
		return
	}
	sess.requestCount++
	if success {
		sess.successCount++
	}
	sess.lastActivity = now
	if sess.binding != nil {
		sess.binding.RequestCount++
		sess.binding.LastUsedAt = now
	}

	if sess.successCount > sess.requestCount {
		// Accounting went backwards: this is a locking bug, not a runtime
		// condition. Drop the session rather than keep dispatching on
		// corrupt state.
		s.logger.Error("session accounting corrupted, resetting",
			zap.String("platform", platform),
			zap.Uint64("requests", sess.requestCount),
			zap.Uint64("successes", sess.successCount),
		)
		delete(s.sessions, platform)
		metrics.SetActiveSessions(len(s.sessions))
	}
}

// ForceRebind flags the session so its next GetOrCreate resolves a fresh
// proxy, reporting whether a session existed for the platform. Used by the
// dispatcher when a bound proxy keeps failing; the swap is lazy, nothing
// rotates until the next prepare.
func (s *Store) ForceRebind(platform string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[platform]
	if ok {
		sess.forceRebind = true
	}
	return ok
}

// StoreCookies merges cookies into the platform's jar. Same-key cookies are
// replaced, expired ones dropped.
func (s *Store) StoreCookies(platform string, cookies []Cookie) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[platform]
	if !ok {
		return
	}
	sess.cookies = mergeCookies(sess.cookies, cookies, now)
}

// GetCookies returns the platform's non-expired cookies.
func (s *Store) GetCookies(platform string) []Cookie {
	now := s.cfg.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[platform]
	if !ok {
		return nil
	}
	return liveCookies(sess.cookies, now)
}

// CleanupExpired evicts sessions past the idle timeout and returns how many
// were removed. Expiry is recomputed from lastActivity on every check, so
// this pass only bounds memory; correctness never depends on it running.
func (s *Store) CleanupExpired() int {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for platform, sess := range s.sessions {
		if s.sessionExpired(sess, now) {
			delete(s.sessions, platform)
			evicted++
			s.logger.Debug("session evicted",
				zap.String("platform", platform),
				zap.String("session_id", sess.id),
			)
		}
	}
	if evicted > 0 {
		metrics.SetActiveSessions(len(s.sessions))
		metrics.ObserveSessionEvictions(evicted)
	}
	return evicted
}

// PlatformStats is one platform's share of the session statistics.
type PlatformStats struct {
	RequestCount uint64        `json:"request_count"`
	SuccessCount uint64        `json:"success_count"`
	SuccessRate  float64       `json:"success_rate"`
	SessionAge   time.Duration `json:"session_age"`
}

// Stats aggregates session counters across platforms.
type Stats struct {
	ActiveSessions int                      `json:"active_sessions"`
	TotalRequests  uint64                   `json:"total_requests"`
	TotalSuccesses uint64                   `json:"total_successes"`
	PerPlatform    map[string]PlatformStats `json:"per_platform"`
}

// Stats returns a point-in-time aggregate over live sessions.
func (s *Store) Stats() Stats {
	now := s.cfg.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{PerPlatform: make(map[string]PlatformStats, len(s.sessions))}
	for platform, sess := range s.sessions {
		rate := 0.0
		if sess.requestCount > 0 {
			rate = float64(sess.successCount) / float64(sess.requestCount)
		}
		stats.PerPlatform[platform] = PlatformStats{
			RequestCount: sess.requestCount,
			SuccessCount: sess.successCount,
			SuccessRate:  rate,
			SessionAge:   now.Sub(sess.createdAt),
		}
		stats.TotalRequests += sess.requestCount
		stats.TotalSuccesses += sess.successCount
	}
	stats.ActiveSessions = len(s.sessions)
	return stats
}
