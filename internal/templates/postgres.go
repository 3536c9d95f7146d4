package templates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema creates the templates table.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	html_body TEXT NOT NULL DEFAULT '',
	text_body TEXT NOT NULL DEFAULT '',
	from_name TEXT NOT NULL DEFAULT '',
	from_email TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore backs the template store with Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the table definition.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure templates schema: %w", err)
	}
	return nil
}

// Resolve loads one template by id.
func (s *PostgresStore) Resolve(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subject, html_body, text_body, from_name, from_email, updated_at
		FROM relay_templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLBody, &t.TextBody, &t.FromName, &t.FromEmail, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve template %s: %w", id, err)
	}
	return &t, nil
}

// List returns all templates ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, subject, html_body, text_body, from_name, from_email, updated_at
		FROM relay_templates ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLBody, &t.TextBody, &t.FromName, &t.FromEmail, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Save inserts or replaces a template.
func (s *PostgresStore) Save(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_templates (id, name, subject, html_body, text_body, from_name, from_email, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = $2, subject = $3, html_body = $4, text_body = $5,
			from_name = $6, from_email = $7, updated_at = $8
	`, t.ID, t.Name, t.Subject, t.HTMLBody, t.TextBody, t.FromName, t.FromEmail, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a template.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relay_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
