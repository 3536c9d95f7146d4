// Package auditlog is the append-only record of every transport attempt
// plus the webhook-derived delivery events, and the rolling statistics
// the dashboard reads. Rows are immutable once appended; provider
// events never mutate the original send row, they arrive as new rows
// sharing the message id.
package auditlog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/relay-rotor/internal/rotation"
)

// Event types for webhook-derived rows. Attempt rows use
// rotation.EventSend.
const (
	EventDelivered = "delivered"
	EventOpened    = "opened"
	EventClicked   = "clicked"
	EventBounced   = "bounced"
	EventDeferred  = "deferred"
)

// Filter narrows a logs query. Zero values mean "no constraint".
type Filter struct {
	Status       string
	ProviderName string
	Search       string // substring match on recipient or subject
	From         time.Time
	To           time.Time
}

// Page is one page of log rows plus the total row count under the filter.
type Page struct {
	Rows     []*rotation.SendAttemptLog `json:"rows"`
	Total    int64                      `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
}

// Facets carries the filter-panel counts for the logs screen.
type Facets struct {
	Providers map[string]int64 `json:"providers"`
	Statuses  map[string]int64 `json:"statuses"`
	Oldest    time.Time        `json:"oldest,omitempty"`
	Newest    time.Time        `json:"newest,omitempty"`
}

// Summary is the dashboard's window aggregate. Rates are fractions of
// TotalSent and are zero (never NaN) on an empty window.
type Summary struct {
	TotalSent    int64   `json:"total_sent"`
	Delivered    int64   `json:"delivered"`
	Opened       int64   `json:"opened"`
	Clicked      int64   `json:"clicked"`
	Bounced      int64   `json:"bounced"`
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}

// ProviderAggregate is the raw per-provider rollup from the log store.
// Health is attached by the service, read through from the tracker.
type ProviderAggregate struct {
	ProviderID   string                `json:"provider_id"`
	ProviderName string                `json:"provider_name"`
	Kind         rotation.ProviderKind `json:"kind"`
	TotalSent    int64                 `json:"total_sent"`
	Succeeded    int64                 `json:"succeeded"`
	AvgResponseTimeMs float64          `json:"avg_response_time_ms"`
}

// Store is the persistence contract. MemoryStore serves tests and
// standalone mode; PostgresStore is production.
type Store interface {
	Append(ctx context.Context, row *rotation.SendAttemptLog) error
	Query(ctx context.Context, f Filter, page, pageSize int) (*Page, error)
	Facets(ctx context.Context, f Filter) (*Facets, error)
	Summary(ctx context.Context, windowDays int) (*Summary, error)
	ProviderAggregates(ctx context.Context) ([]ProviderAggregate, error)
}

// MemoryStore keeps rows in memory, newest last.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []*rotation.SendAttemptLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds one immutable row.
func (s *MemoryStore) Append(ctx context.Context, row *rotation.SendAttemptLog) error {
	cp := *row
	s.mu.Lock()
	s.rows = append(s.rows, &cp)
	s.mu.Unlock()
	return nil
}

func matches(row *rotation.SendAttemptLog, f Filter) bool {
	if f.Status != "" && string(row.Status) != f.Status {
		return false
	}
	if f.ProviderName != "" && row.ProviderName != f.ProviderName {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(row.Recipient), needle) &&
			!strings.Contains(strings.ToLower(row.Subject), needle) {
			return false
		}
	}
	if !f.From.IsZero() && row.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && row.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Query returns matching rows newest-first.
func (s *MemoryStore) Query(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	s.mu.RLock()
	var hits []*rotation.SendAttemptLog
	for _, row := range s.rows {
		if matches(row, f) {
			hits = append(hits, row)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})

	total := int64(len(hits))
	start := (page - 1) * pageSize
	if start > len(hits) {
		start = len(hits)
	}
	end := start + pageSize
	if end > len(hits) {
		end = len(hits)
	}

	out := make([]*rotation.SendAttemptLog, end-start)
	for i, row := range hits[start:end] {
		cp := *row
		out[i] = &cp
	}
	return &Page{Rows: out, Total: total, Page: page, PageSize: pageSize}, nil
}

// Facets computes provider/status counts over the filtered rows.
func (s *MemoryStore) Facets(ctx context.Context, f Filter) (*Facets, error) {
	facets := &Facets{
		Providers: make(map[string]int64),
		Statuses:  make(map[string]int64),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows {
		if !matches(row, f) {
			continue
		}
		if row.ProviderName != "" {
			facets.Providers[row.ProviderName]++
		}
		if row.Status != "" {
			facets.Statuses[string(row.Status)]++
		}
		if facets.Oldest.IsZero() || row.Timestamp.Before(facets.Oldest) {
			facets.Oldest = row.Timestamp
		}
		if row.Timestamp.After(facets.Newest) {
			facets.Newest = row.Timestamp
		}
	}
	return facets, nil
}

// Summary aggregates the window. TotalSent counts accepted transport
// attempts; the event counts come from webhook rows.
func (s *MemoryStore) Summary(ctx context.Context, windowDays int) (*Summary, error) {
	if windowDays < 1 {
		windowDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)

	sum := &Summary{}
	s.mu.RLock()
	for _, row := range s.rows {
		if row.Timestamp.Before(cutoff) {
			continue
		}
		switch row.EventType {
		case rotation.EventSend:
			if row.Status == rotation.StatusSuccess {
				sum.TotalSent++
			}
		case EventDelivered:
			sum.Delivered++
		case EventOpened:
			sum.Opened++
		case EventClicked:
			sum.Clicked++
		case EventBounced:
			sum.Bounced++
		}
	}
	s.mu.RUnlock()

	sum.fillRates()
	return sum, nil
}

func (sum *Summary) fillRates() {
	if sum.TotalSent == 0 {
		return // all rates stay 0, never NaN
	}
	total := float64(sum.TotalSent)
	sum.DeliveryRate = float64(sum.Delivered) / total
	sum.OpenRate = float64(sum.Opened) / total
	sum.ClickRate = float64(sum.Clicked) / total
	sum.BounceRate = float64(sum.Bounced) / total
}

// ProviderAggregates rolls up send attempts per provider.
func (s *MemoryStore) ProviderAggregates(ctx context.Context) ([]ProviderAggregate, error) {
	type acc struct {
		agg       ProviderAggregate
		totalMs   int64
		withTimes int64
	}
	byProvider := make(map[string]*acc)

	s.mu.RLock()
	for _, row := range s.rows {
		if row.EventType != rotation.EventSend || row.ProviderID == "" {
			continue
		}
		a, ok := byProvider[row.ProviderID]
		if !ok {
			a = &acc{agg: ProviderAggregate{
				ProviderID:   row.ProviderID,
				ProviderName: row.ProviderName,
				Kind:         row.ProviderKind,
			}}
			byProvider[row.ProviderID] = a
		}
		a.agg.TotalSent++
		if row.Status == rotation.StatusSuccess {
			a.agg.Succeeded++
		}
		if row.ResponseTimeMs > 0 {
			a.totalMs += row.ResponseTimeMs
			a.withTimes++
		}
	}
	s.mu.RUnlock()

	out := make([]ProviderAggregate, 0, len(byProvider))
	for _, a := range byProvider {
		if a.withTimes > 0 {
			a.agg.AvgResponseTimeMs = float64(a.totalMs) / float64(a.withTimes)
		}
		out = append(out, a.agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderName < out[j].ProviderName })
	return out, nil
}
