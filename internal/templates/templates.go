// Package templates stores reusable message content. A send request
// may name a template instead of carrying a full body; the resolver
// fills subject, bodies and from defaults without touching fields the
// caller set explicitly.
package templates

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTemplateNotFound is returned when a template id does not resolve.
var ErrTemplateNotFound = errors.New("template not found")

// Template is a stored message skeleton.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTMLBody  string    `json:"htmlBody"`
	TextBody  string    `json:"textBody"`
	FromName  string    `json:"fromName"`
	FromEmail string    `json:"fromEmail"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the persistence contract for templates.
type Store interface {
	Resolve(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
	Save(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps templates in a map. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
	now       func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*Template),
		now:       time.Now,
	}
}

// Resolve returns the template with the given id.
func (s *MemoryStore) Resolve(_ context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns all templates ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Save inserts or replaces a template, assigning an id when missing.
func (s *MemoryStore) Save(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.UpdatedAt = s.now()
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

// Delete removes a template.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrTemplateNotFound
	}
	delete(s.templates, id)
	return nil
}
