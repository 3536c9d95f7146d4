package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/relay-rotor/internal/rotation"
)

func TestLoadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "name", "kind", "enabled", "weight", "daily_limit", "credentials", "created_at"}).
		AddRow("smtp-1", "Primary SMTP", "smtp", true, 2, 10000,
			[]byte(`{"smtp":{"host":"mail.example.com","port":587,"username":"u","password":"p","encryption":"tls"}}`), created).
		AddRow("api-1", "Resend", "api", false, 1, 0,
			[]byte(`{"api":{"vendor":"resend","endpoint":"https://api.resend.example/send","api_key":"k"}}`), created.Add(time.Minute))

	mock.ExpectQuery(`SELECT id, name, kind, enabled, weight, daily_limit, credentials, created_at(?s:.*)FROM relay_providers(?s:.*)ORDER BY created_at, id`).
		WillReturnRows(rows)

	s := NewProviderStore(db)
	providers, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("len = %d, want 2", len(providers))
	}

	p := providers[0]
	if p.Kind != rotation.KindSMTP || p.SMTP == nil || p.SMTP.Host != "mail.example.com" {
		t.Errorf("smtp provider = %+v", p)
	}
	if p.API != nil {
		t.Error("smtp provider should not carry api credentials")
	}
	p = providers[1]
	if p.Kind != rotation.KindAPI || p.API == nil || p.API.Vendor != "resend" {
		t.Errorf("api provider = %+v", p)
	}
	if p.Enabled {
		t.Error("disabled flag lost")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &rotation.Provider{
		ID: "smtp-1", Name: "Primary SMTP", Kind: rotation.KindSMTP,
		Enabled: true, Weight: 2, DailyLimit: 10000,
		SMTP:      &rotation.SMTPCredentials{Host: "mail.example.com", Port: 587, Encryption: rotation.EncryptionTLS},
		CreatedAt: created,
	}

	mock.ExpectExec(`INSERT INTO relay_providers`).
		WithArgs("smtp-1", "Primary SMTP", "smtp", true, 2, 10000, sqlmock.AnyArg(), created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewProviderStore(db)
	if err := s.Upsert(context.Background(), p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetEnabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE relay_providers SET enabled = \$2 WHERE id = \$1`).
		WithArgs("smtp-1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewProviderStore(db)
	if err := s.SetEnabled(context.Background(), "smtp-1", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetEnabledUnknownProvider(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE relay_providers SET enabled = \$2 WHERE id = \$1`).
		WithArgs("ghost", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewProviderStore(db)
	err = s.SetEnabled(context.Background(), "ghost", true)
	if !errors.Is(err, rotation.ErrProviderNotFound) {
		t.Fatalf("err = %v, want ErrProviderNotFound", err)
	}
}
