// Package store contains the Postgres persistence for provider
// configuration and message templates. The rotation engine holds its
// own in-memory view; this package is the write-through layer beneath
// it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/relay-rotor/internal/rotation"
)

// ProvidersSchema creates the provider configuration table. Credentials
// are stored as a JSONB blob because the shape differs per kind.
const ProvidersSchema = `
CREATE TABLE IF NOT EXISTS relay_providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	weight INT NOT NULL DEFAULT 1,
	daily_limit INT NOT NULL DEFAULT 0,
	credentials JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// ProviderStore persists providers in Postgres. Implements
// rotation.ProviderStore.
type ProviderStore struct {
	db *sql.DB
}

// NewProviderStore wraps an open database handle.
func NewProviderStore(db *sql.DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// EnsureSchema applies the table definition.
func (s *ProviderStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ProvidersSchema); err != nil {
		return fmt.Errorf("ensure providers schema: %w", err)
	}
	return nil
}

// credentialsBlob is the JSONB payload; exactly one member is set.
type credentialsBlob struct {
	SMTP *rotation.SMTPCredentials `json:"smtp,omitempty"`
	API  *rotation.APICredentials  `json:"api,omitempty"`
}

// LoadAll reads every provider row.
func (s *ProviderStore) LoadAll(ctx context.Context) ([]*rotation.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, enabled, weight, daily_limit, credentials, created_at
		FROM relay_providers
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	var out []*rotation.Provider
	for rows.Next() {
		var p rotation.Provider
		var kind string
		var creds []byte
		if err := rows.Scan(&p.ID, &p.Name, &kind, &p.Enabled, &p.Weight, &p.DailyLimit, &creds, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		p.Kind = rotation.ProviderKind(kind)

		var blob credentialsBlob
		if err := json.Unmarshal(creds, &blob); err != nil {
			return nil, fmt.Errorf("parse credentials for %s: %w", p.ID, err)
		}
		p.SMTP = blob.SMTP
		p.API = blob.API
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Upsert writes one provider row.
func (s *ProviderStore) Upsert(ctx context.Context, p *rotation.Provider) error {
	creds, err := json.Marshal(credentialsBlob{SMTP: p.SMTP, API: p.API})
	if err != nil {
		return fmt.Errorf("marshal credentials for %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relay_providers (id, name, kind, enabled, weight, daily_limit, credentials, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = $2,
			kind = $3,
			enabled = $4,
			weight = $5,
			daily_limit = $6,
			credentials = $7
	`, p.ID, p.Name, string(p.Kind), p.Enabled, p.Weight, p.DailyLimit, creds, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return nil
}

// SetEnabled flips the soft-disable flag.
func (s *ProviderStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_providers SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", rotation.ErrProviderNotFound, id)
	}
	return nil
}
