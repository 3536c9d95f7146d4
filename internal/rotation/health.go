package rotation

import (
	"sync"
	"time"
)

// Health tracking defaults. The failure threshold itself comes from the
// rotation config so operators can tune it without a restart.
const (
	defaultFailureThreshold = 3
	defaultCooldown         = 5 * time.Minute
	rateLimitBackoffBase    = 60 * time.Second
	rateLimitBackoffCap     = time.Hour
	responseTimeAlpha       = 0.2
)

// HealthState is a read-only snapshot of one provider's health.
type HealthState struct {
	IsHealthy             bool      `json:"is_healthy"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	LastSuccessAt         time.Time `json:"last_success_at,omitempty"`
	LastFailureAt         time.Time `json:"last_failure_at,omitempty"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	RateLimitedUntil      time.Time `json:"rate_limited_until,omitempty"`
}

// providerHealth is the mutable state, one per provider, each guarded by
// its own mutex so outcome reports for different providers never contend.
type providerHealth struct {
	mu                  sync.Mutex
	isHealthy           bool
	consecutiveFailures int
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	avgResponseMs       float64
	hasResponseSample   bool
	rateLimitedUntil    time.Time
	rateLimitStreak     int
}

// HealthTracker consumes send outcomes and answers eligibility queries.
// It owns HealthState exclusively; the orchestrator is the only writer.
type HealthTracker struct {
	mu     sync.RWMutex // guards the map, not the entries
	states map[string]*providerHealth

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewHealthTracker creates a tracker with the default threshold and
// cool-down. Use SetFailureThreshold to follow config changes.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		states:           make(map[string]*providerHealth),
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		now:              time.Now,
	}
}

// SetFailureThreshold applies the configured threshold. Called by the
// orchestrator with the config snapshot of each send.
func (t *HealthTracker) SetFailureThreshold(n int) {
	if n < 1 {
		return
	}
	t.mu.Lock()
	t.failureThreshold = n
	t.mu.Unlock()
}

// SetClock overrides the time source, used by tests.
func (t *HealthTracker) SetClock(now func() time.Time) { t.now = now }

func (t *HealthTracker) state(providerID string) *providerHealth {
	t.mu.RLock()
	h, ok := t.states[providerID]
	t.mu.RUnlock()
	if ok {
		return h
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.states[providerID]; ok {
		return h
	}
	h = &providerHealth{isHealthy: true}
	t.states[providerID] = h
	return h
}

func (t *HealthTracker) threshold() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failureThreshold
}

// ReportOutcome updates health from one transport outcome. retryAfter is
// the provider's Retry-After hint on rate limiting (0 when absent).
func (t *HealthTracker) ReportOutcome(providerID string, status Status, responseTimeMs int64, retryAfter time.Duration) {
	h := t.state(providerID)
	now := t.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch status {
	case StatusSuccess:
		h.consecutiveFailures = 0
		h.isHealthy = true
		h.lastSuccessAt = now
		h.rateLimitStreak = 0
		h.rateLimitedUntil = time.Time{}
		if !h.hasResponseSample {
			h.avgResponseMs = float64(responseTimeMs)
			h.hasResponseSample = true
		} else {
			h.avgResponseMs = responseTimeAlpha*float64(responseTimeMs) + (1-responseTimeAlpha)*h.avgResponseMs
		}

	case StatusFailed, StatusTimeout:
		h.consecutiveFailures++
		h.lastFailureAt = now
		if h.consecutiveFailures >= t.threshold() {
			h.isHealthy = false
		}

	case StatusRateLimited:
		// Rate limiting is not a capability failure: back off without
		// touching consecutiveFailures.
		h.rateLimitStreak++
		backoff := retryAfter
		if backoff <= 0 {
			backoff = rateLimitBackoffBase
			for i := 1; i < h.rateLimitStreak; i++ {
				backoff *= 2
				if backoff >= rateLimitBackoffCap {
					break
				}
			}
			if backoff > rateLimitBackoffCap {
				backoff = rateLimitBackoffCap
			}
		}
		h.rateLimitedUntil = now.Add(backoff)

	case StatusDeferred:
		// A 4xx deferral is soft: the message moves elsewhere, the
		// provider keeps its health.
	}
}

// IsEligible reports whether the provider may receive the next send.
// False when disabled, unhealthy, or inside a rate-limit window. The
// cool-down since the last failure is the self-healing path for an
// unhealthy provider.
func (t *HealthTracker) IsEligible(p *Provider) bool {
	if p == nil || !p.Enabled {
		return false
	}
	h := t.state(p.ID)
	now := t.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if now.Before(h.rateLimitedUntil) {
		return false
	}
	if !h.isHealthy {
		if !h.lastFailureAt.IsZero() && now.Sub(h.lastFailureAt) >= t.cooldown {
			return true // probe again after the cool-down
		}
		return false
	}
	return true
}

// Snapshot returns a copy of a provider's health state.
func (t *HealthTracker) Snapshot(providerID string) HealthState {
	h := t.state(providerID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthState{
		IsHealthy:             h.isHealthy,
		ConsecutiveFailures:   h.consecutiveFailures,
		LastSuccessAt:         h.lastSuccessAt,
		LastFailureAt:         h.lastFailureAt,
		AverageResponseTimeMs: h.avgResponseMs,
		RateLimitedUntil:      h.rateLimitedUntil,
	}
}

// Reset clears a provider's health, the operator's manual recovery path.
func (t *HealthTracker) Reset(providerID string) {
	h := t.state(providerID)
	h.mu.Lock()
	h.isHealthy = true
	h.consecutiveFailures = 0
	h.rateLimitStreak = 0
	h.rateLimitedUntil = time.Time{}
	h.mu.Unlock()
}
