package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/relay-rotor/internal/rotation"
)

// Schema creates the append-only attempt/event table. Ran at startup;
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_send_attempts (
	id UUID PRIMARY KEY,
	message_id UUID NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	event_type TEXT NOT NULL DEFAULT 'send',
	provider_id TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT '',
	provider_kind TEXT NOT NULL DEFAULT '',
	recipient TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	rotation_strategy TEXT NOT NULL DEFAULT '',
	was_fallback BOOLEAN NOT NULL DEFAULT FALSE,
	attempt_number INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_relay_attempts_message ON relay_send_attempts(message_id);
CREATE INDEX IF NOT EXISTS idx_relay_attempts_time ON relay_send_attempts(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_relay_attempts_provider ON relay_send_attempts(provider_id);
`

// PostgresStore persists the audit trail in Postgres.
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
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Append inserts one immutable row.
func (s *PostgresStore) Append(ctx context.Context, row *rotation.SendAttemptLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_send_attempts (
			id, message_id, timestamp, event_type, provider_id, provider_name,
			provider_kind, recipient, subject, status, response_time_ms,
			error_code, error_message, rotation_strategy, was_fallback, attempt_number
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, row.ID, row.MessageID, row.Timestamp, row.EventType, row.ProviderID, row.ProviderName,
		string(row.ProviderKind), row.Recipient, row.Subject, string(row.Status), row.ResponseTimeMs,
		row.ErrorCode, row.ErrorMessage, string(row.RotationStrategy), row.WasFallback, row.AttemptNumber)
	if err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}

// whereClause builds the filter SQL shared by Query and Facets.
func whereClause(f Filter) (string, []interface{}) {
	conds := []string{"1=1"}
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "status = "+arg(f.Status))
	}
	if f.ProviderName != "" {
		conds = append(conds, "provider_name = "+arg(f.ProviderName))
	}
	if f.Search != "" {
		ph := arg("%" + f.Search + "%")
		conds = append(conds, fmt.Sprintf("(recipient ILIKE %s OR subject ILIKE %s)", ph, ph))
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp <= "+arg(f.To))
	}
	return strings.Join(conds, " AND "), args
}

// Query returns one page of rows newest-first plus the total count.
func (s *PostgresStore) Query(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where, args := whereClause(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relay_send_attempts WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit rows: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, message_id, timestamp, event_type, provider_id, provider_name,
		       provider_kind, recipient, subject, status, response_time_ms,
		       error_code, error_message, rotation_strategy, was_fallback, attempt_number
		FROM relay_send_attempts
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	out := &Page{Page: page, PageSize: pageSize, Total: total}
	for rows.Next() {
		var r rotation.SendAttemptLog
		var kind, status, strategy string
		if err := rows.Scan(
			&r.ID, &r.MessageID, &r.Timestamp, &r.EventType, &r.ProviderID, &r.ProviderName,
			&kind, &r.Recipient, &r.Subject, &status, &r.ResponseTimeMs,
			&r.ErrorCode, &r.ErrorMessage, &strategy, &r.WasFallback, &r.AttemptNumber,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.ProviderKind = rotation.ProviderKind(kind)
		r.Status = rotation.Status(status)
		r.RotationStrategy = rotation.Strategy(strategy)
		out.Rows = append(out.Rows, &r)
	}
	return out, rows.Err()
}

// Facets computes the filter-panel counts in two grouped queries.
func (s *PostgresStore) Facets(ctx context.Context, f Filter) (*Facets, error) {
	where, args := whereClause(f)
	facets := &Facets{
		Providers: make(map[string]int64),
		Statuses:  make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_name, COUNT(*) FROM relay_send_attempts
		WHERE `+where+` AND provider_name <> ''
		GROUP BY provider_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("provider facets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		facets.Providers[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM relay_send_attempts
		WHERE `+where+` AND status <> ''
		GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("status facets: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var status string
		var n int64
		if err := srows.Scan(&status, &n); err != nil {
			return nil, err
		}
		facets.Statuses[status] = n
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(timestamp), MAX(timestamp) FROM relay_send_attempts WHERE "+where, args...,
	).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("date range facet: %w", err)
	}
	if oldest.Valid {
		facets.Oldest = oldest.Time
	}
	if newest.Valid {
		facets.Newest = newest.Time
	}
	return facets, nil
}

// Summary aggregates the last windowDays with FILTER clauses; rates are
// computed in Go so an empty window yields zeros, not division errors.
func (s *PostgresStore) Summary(ctx context.Context, windowDays int) (*Summary, error) {
	if windowDays < 1 {
		windowDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)

	sum := &Summary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'send' AND status = 'success'),
			COUNT(*) FILTER (WHERE event_type = 'delivered'),
			COUNT(*) FILTER (WHERE event_type = 'opened'),
			COUNT(*) FILTER (WHERE event_type = 'clicked'),
			COUNT(*) FILTER (WHERE event_type = 'bounced')
		FROM relay_send_attempts
		WHERE timestamp >= $1
	`, cutoff).Scan(&sum.TotalSent, &sum.Delivered, &sum.Opened, &sum.Clicked, &sum.Bounced)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	sum.fillRates()
	return sum, nil
}

// ProviderAggregates rolls up attempts per provider.
func (s *PostgresStore) ProviderAggregates(ctx context.Context) ([]ProviderAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, provider_name, provider_kind,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0)
		FROM relay_send_attempts
		WHERE event_type = 'send' AND provider_id <> ''
		GROUP BY provider_id, provider_name, provider_kind
		ORDER BY provider_name
	`)
	if err != nil {
		return nil, fmt.Errorf("provider aggregates: %w", err)
	}
	defer rows.Close()

	var out []ProviderAggregate
	for rows.Next() {
		var a ProviderAggregate
		var kind string
		if err := rows.Scan(&a.ProviderID, &a.ProviderName, &kind, &a.TotalSent, &a.Succeeded, &a.AvgResponseTimeMs); err != nil {
			return nil, err
		}
		a.Kind = rotation.ProviderKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}
