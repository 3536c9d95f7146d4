package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/relay-rotor/internal/pkg/logger"
	"github.com/ignite/relay-rotor/internal/rotation"
)

// Service is the read side the dashboard talks to, plus the event sink
// for webhook-derived delivery events. It stitches log aggregates with
// live health state; health is never recomputed from the log.
type Service struct {
	store    Store
	registry *rotation.Registry
	health   *rotation.HealthTracker
	counters *Counters
	log      *logger.Logger
}

// NewService wires the aggregator. counters may be nil.
func NewService(store Store, registry *rotation.Registry, health *rotation.HealthTracker, counters *Counters) *Service {
	return &Service{
		store:    store,
		registry: registry,
		health:   health,
		counters: counters,
		log:      logger.With("auditlog"),
	}
}

// Store exposes the underlying store for the orchestrator's AuditSink.
func (s *Service) Store() Store { return s.store }

var validEventTypes = map[string]bool{
	EventDelivered: true,
	EventOpened:    true,
	EventClicked:   true,
	EventBounced:   true,
	EventDeferred:  true,
}

// RecordEvent appends a webhook-derived event as a new independent row
// sharing the message id. It never locates or mutates the original send
// row, so webhook delivery cannot race local writes.
func (s *Service) RecordEvent(ctx context.Context, messageID, eventType string) error {
	if messageID == "" {
		return fmt.Errorf("record event: message id is required")
	}
	if !validEventTypes[eventType] {
		return fmt.Errorf("record event: unknown event type %q", eventType)
	}

	row := &rotation.SendAttemptLog{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	}
	switch eventType {
	case EventBounced:
		row.Status = rotation.StatusBounced
	case EventDeferred:
		row.Status = rotation.StatusDeferred
	}

	if err := s.store.Append(ctx, row); err != nil {
		return fmt.Errorf("record event %s for %s: %w", eventType, messageID, err)
	}
	s.log.Debug("event recorded", "message_id", messageID, "event", eventType)
	return nil
}

// ProviderPerformance is one row of the dashboard's provider table.
type ProviderPerformance struct {
	ProviderID        string                `json:"provider_id"`
	Name              string                `json:"name"`
	Type              rotation.ProviderKind `json:"type"`
	Enabled           bool                  `json:"enabled"`
	SuccessRate       float64               `json:"success_rate"`
	TotalSent         int64                 `json:"total_sent"`
	SentToday         int64                 `json:"sent_today"`
	AvgResponseTimeMs float64               `json:"avg_response_time_ms"`
	IsHealthy         bool                  `json:"is_healthy"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	RateLimitedUntil  *time.Time            `json:"rate_limited_until,omitempty"`
}

// KindStats is the per-transport-family rollup on the dashboard.
type KindStats struct {
	TotalSent   int64   `json:"total_sent"`
	Succeeded   int64   `json:"succeeded"`
	SuccessRate float64 `json:"success_rate"`
}

// DashboardStats is the GET /rotation/stats payload.
type DashboardStats struct {
	Window    int                                  `json:"window_days"`
	Overview  *Summary                             `json:"overview"`
	ByKind    map[rotation.ProviderKind]*KindStats `json:"by_kind"`
	Providers []ProviderPerformance                `json:"providers"`
	Recent    []*rotation.SendAttemptLog           `json:"recent_activity"`
}

// ProviderPerformance merges log aggregates with registry config and
// live health, including providers that have not sent yet.
func (s *Service) ProviderPerformance(ctx context.Context) ([]ProviderPerformance, error) {
	aggs, err := s.store.ProviderAggregates(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]ProviderAggregate, len(aggs))
	for _, a := range aggs {
		byID[a.ProviderID] = a
	}

	providers := s.registry.List("", false)
	out := make([]ProviderPerformance, 0, len(providers))
	for _, p := range providers {
		agg := byID[p.ID]
		perf := ProviderPerformance{
			ProviderID:        p.ID,
			Name:              p.Name,
			Type:              p.Kind,
			Enabled:           p.Enabled,
			TotalSent:         agg.TotalSent,
			AvgResponseTimeMs: agg.AvgResponseTimeMs,
		}
		if agg.TotalSent > 0 {
			perf.SuccessRate = float64(agg.Succeeded) / float64(agg.TotalSent)
		}
		if s.counters != nil {
			perf.SentToday = s.counters.SentToday(ctx, p.ID)
		}

		hs := s.health.Snapshot(p.ID)
		perf.IsHealthy = hs.IsHealthy
		perf.ConsecutiveFailures = hs.ConsecutiveFailures
		if !hs.RateLimitedUntil.IsZero() && hs.RateLimitedUntil.After(time.Now()) {
			until := hs.RateLimitedUntil
			perf.RateLimitedUntil = &until
		}
		out = append(out, perf)
	}
	return out, nil
}

// DashboardStats assembles the overview payload in one call.
func (s *Service) DashboardStats(ctx context.Context, windowDays int) (*DashboardStats, error) {
	if windowDays < 1 {
		windowDays = 7
	}

	overview, err := s.store.Summary(ctx, windowDays)
	if err != nil {
		return nil, fmt.Errorf("dashboard summary: %w", err)
	}

	perf, err := s.ProviderPerformance(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard providers: %w", err)
	}

	byKind := map[rotation.ProviderKind]*KindStats{
		rotation.KindSMTP: {},
		rotation.KindAPI:  {},
	}
	aggs, err := s.store.ProviderAggregates(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range aggs {
		ks, ok := byKind[a.Kind]
		if !ok {
			continue
		}
		ks.TotalSent += a.TotalSent
		ks.Succeeded += a.Succeeded
	}
	for _, ks := range byKind {
		if ks.TotalSent > 0 {
			ks.SuccessRate = float64(ks.Succeeded) / float64(ks.TotalSent)
		}
	}

	recent, err := s.store.Query(ctx, Filter{}, 1, 10)
	if err != nil {
		return nil, fmt.Errorf("dashboard recent: %w", err)
	}

	return &DashboardStats{
		Window:    windowDays,
		Overview:  overview,
		ByKind:    byKind,
		Providers: perf,
		Recent:    recent.Rows,
	}, nil
}

// Logs returns one page of rows plus the facet counts for the filter
// panel.
func (s *Service) Logs(ctx context.Context, f Filter, page, pageSize int) (*Page, *Facets, error) {
	rows, err := s.store.Query(ctx, f, page, pageSize)
	if err != nil {
		return nil, nil, err
	}
	facets, err := s.store.Facets(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return rows, facets, nil
}
