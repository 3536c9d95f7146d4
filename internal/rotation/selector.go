package rotation

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// DailyLimiter reports how many sends a provider has used today.
// The Redis-backed implementation lives in internal/auditlog; a nil
// limiter disables daily limit enforcement.
type DailyLimiter interface {
	SentToday(ctx context.Context, providerID string) int64
}

// Selector picks the provider for a send given the registry, health
// state, and the configured strategy. The per-pool round-robin cursors
// are the only state it owns; they are guarded by a single small mutex
// since advancing a cursor is a few instructions.
type Selector struct {
	registry *Registry
	health   *HealthTracker
	limits   DailyLimiter

	cursorMu sync.Mutex
	cursors  map[ProviderKind]int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector creates a selector. limits may be nil.
func NewSelector(registry *Registry, health *HealthTracker, limits DailyLimiter) *Selector {
	return &Selector{
		registry: registry,
		health:   health,
		limits:   limits,
		cursors:  make(map[ProviderKind]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the random source, used by tests for determinism.
func (s *Selector) SetRand(r *rand.Rand) {
	s.rngMu.Lock()
	s.rng = r
	s.rngMu.Unlock()
}

func (s *Selector) float64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Selector) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// Select picks the provider for one send. excluded carries the ids
// already tried for this message. The candidate pool is recomputed from
// scratch on every call, so providers disabled mid-flight simply vanish
// from the next computation. Returns ErrNoEligibleProvider when both
// pools are empty.
func (s *Selector) Select(ctx context.Context, cfg Config, excluded map[string]bool) (*Provider, error) {
	var apiPool, smtpPool []*Provider
	for _, p := range s.registry.List("", true) {
		if excluded[p.ID] {
			continue
		}
		if !s.health.IsEligible(p) {
			continue
		}
		if p.DailyLimit > 0 && s.limits != nil && s.limits.SentToday(ctx, p.ID) >= int64(p.DailyLimit) {
			continue
		}
		switch p.Kind {
		case KindAPI:
			apiPool = append(apiPool, p)
		case KindSMTP:
			smtpPool = append(smtpPool, p)
		}
	}

	if !cfg.IncludeAPIProviders {
		apiPool = nil
	}

	// One independent draw per send: the realized API/SMTP ratio
	// converges statistically over volume rather than per-N-sends.
	var pool []*Provider
	var kind ProviderKind
	switch {
	case len(apiPool) > 0 && len(smtpPool) > 0:
		if s.float64()*100 < float64(cfg.APISMTPBalanceRatio) {
			pool, kind = apiPool, KindAPI
		} else {
			pool, kind = smtpPool, KindSMTP
		}
	case len(apiPool) > 0:
		pool, kind = apiPool, KindAPI
	case len(smtpPool) > 0:
		pool, kind = smtpPool, KindSMTP
	default:
		return nil, ErrNoEligibleProvider
	}

	switch cfg.Strategy {
	case StrategyWeighted:
		return s.pickWeighted(pool), nil
	default:
		return s.pickRoundRobin(kind, pool), nil
	}
}

// pickRoundRobin advances the pool's cursor past the selection. The
// cursor indexes the stable registry order, so members joining or
// leaving the pool shift the rotation but never starve anyone.
func (s *Selector) pickRoundRobin(kind ProviderKind, pool []*Provider) *Provider {
	if len(pool) == 1 {
		return pool[0]
	}
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	idx := s.cursors[kind] % len(pool)
	s.cursors[kind] = idx + 1
	return pool[idx]
}

// pickWeighted draws with probability proportional to weight.
func (s *Selector) pickWeighted(pool []*Provider) *Provider {
	if len(pool) == 1 {
		return pool[0]
	}
	total := 0
	for _, p := range pool {
		total += p.Weight
	}
	n := s.intn(total)
	for _, p := range pool {
		n -= p.Weight
		if n < 0 {
			return p
		}
	}
	return pool[len(pool)-1]
}
