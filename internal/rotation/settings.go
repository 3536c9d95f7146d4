package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const settingsKey = "rotation:config"

// Settings is the hot-reloadable rotation configuration store. The
// current config lives in Redis so every instance sees operator changes
// without a restart; a local copy backs reads when Redis is unreachable
// or absent (tests, standalone mode).
//
// Reads are snapshot semantics: each send takes one Config value up
// front and never re-reads mid-flight.
type Settings struct {
	redis *redis.Client

	mu      sync.RWMutex
	current Config
}

// NewSettings creates a settings store seeded with def. redisClient may
// be nil for memory-only operation.
func NewSettings(redisClient *redis.Client, def Config) *Settings {
	return &Settings{redis: redisClient, current: def}
}

// Get returns the current configuration. Redis is consulted first so a
// PATCH applied by another instance is visible immediately.
func (s *Settings) Get(ctx context.Context) Config {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, settingsKey).Result()
		if err == nil {
			var cfg Config
			if jsonErr := json.Unmarshal([]byte(data), &cfg); jsonErr == nil {
				s.mu.Lock()
				s.current = cfg
				s.mu.Unlock()
				return cfg
			}
		}
		// redis.Nil means no operator change stored yet; fall through to
		// the local copy for that and for transport errors alike.
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates and stores a full configuration.
func (s *Settings) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.redis != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal rotation config: %w", err)
		}
		if err := s.redis.Set(ctx, settingsKey, data, 0).Err(); err != nil {
			return fmt.Errorf("store rotation config: %w", err)
		}
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

// ConfigPatch carries a partial update from PATCH /rotation/config.
// Nil fields keep their current value.
type ConfigPatch struct {
	Enabled               *bool     `json:"enabled,omitempty"`
	Strategy              *Strategy `json:"strategy,omitempty"`
	APISMTPBalanceRatio   *int      `json:"api_smtp_balance_ratio,omitempty"`
	IncludeAPIProviders   *bool     `json:"include_api_providers,omitempty"`
	FailureThreshold      *int      `json:"failure_threshold,omitempty"`
	MaxAttemptsPerMessage *int      `json:"max_attempts_per_message,omitempty"`
}

// Patch applies a partial update on top of the current config and
// returns the result.
func (s *Settings) Patch(ctx context.Context, patch ConfigPatch) (Config, error) {
	cfg := s.Get(ctx)
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Strategy != nil {
		cfg.Strategy = *patch.Strategy
	}
	if patch.APISMTPBalanceRatio != nil {
		cfg.APISMTPBalanceRatio = *patch.APISMTPBalanceRatio
	}
	if patch.IncludeAPIProviders != nil {
		cfg.IncludeAPIProviders = *patch.IncludeAPIProviders
	}
	if patch.FailureThreshold != nil {
		cfg.FailureThreshold = *patch.FailureThreshold
	}
	if patch.MaxAttemptsPerMessage != nil {
		cfg.MaxAttemptsPerMessage = *patch.MaxAttemptsPerMessage
	}
	if err := s.Update(ctx, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
