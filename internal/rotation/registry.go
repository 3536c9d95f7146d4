package rotation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProviderStore persists provider configuration. The Postgres
// implementation lives in internal/store; tests use a nil store
// (memory-only registry).
type ProviderStore interface {
	LoadAll(ctx context.Context) ([]*Provider, error)
	Upsert(ctx context.Context, p *Provider) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// Registry holds the configured set of providers. The in-memory map is
// authoritative for selection; changes are written through to the store
// and take effect for the next selection only; in-flight sends keep the
// provider they already chose (they hold a clone).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	store     ProviderStore
}

// NewRegistry creates a registry. store may be nil for memory-only use.
func NewRegistry(store ProviderStore) *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		store:     store,
	}
}

// Load replaces the in-memory set from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	providers, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	next := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		next[p.ID] = p
	}
	r.mu.Lock()
	r.providers = next
	r.mu.Unlock()
	return nil
}

// List returns providers, sorted by creation time then id so the
// round-robin cursor sees a stable order. kind "" means both kinds.
func (r *Registry) List(kind ProviderKind, enabledOnly bool) []*Provider {
	r.mu.RLock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if kind != "" && p.Kind != kind {
			continue
		}
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of the provider or ErrProviderNotFound.
func (r *Registry) Get(id string) (*Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p.clone(), nil
}

// Upsert validates, persists, and installs a provider. The new config is
// visible to the next selection.
func (r *Registry) Upsert(ctx context.Context, p *Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Upsert(ctx, p); err != nil {
			return fmt.Errorf("persist provider %s: %w", p.ID, err)
		}
	}
	r.mu.Lock()
	r.providers[p.ID] = p.clone()
	r.mu.Unlock()
	return nil
}

// SetEnabled soft-enables or soft-disables a provider. Providers are
// never deleted while log rows reference them; disable is the terminal
// operator action.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.RLock()
	_, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	if r.store != nil {
		if err := r.store.SetEnabled(ctx, id, enabled); err != nil {
			return fmt.Errorf("persist enabled flag for %s: %w", id, err)
		}
	}
	r.mu.Lock()
	if p, ok := r.providers[id]; ok {
		p.Enabled = enabled
	}
	r.mu.Unlock()
	return nil
}
