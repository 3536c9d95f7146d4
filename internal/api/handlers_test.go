package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ignite/relay-rotor/internal/auditlog"
	"github.com/ignite/relay-rotor/internal/rotation"
	"github.com/ignite/relay-rotor/internal/templates"
)

// stubTransport always accepts; failing cases swap in results.
type stubTransport struct {
	mu      sync.Mutex
	results []*rotation.TransportResult
}

func (tr *stubTransport) Send(_ context.Context, _ *rotation.Message, p *rotation.Provider, _ time.Duration) *rotation.TransportResult {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.results) > 0 {
		res := tr.results[0]
		tr.results = tr.results[1:]
		return res
	}
	return &rotation.TransportResult{Status: rotation.StatusSuccess, ProviderMessageID: "prov-1", ResponseTimeMs: 5}
}

type testEnv struct {
	handler   http.Handler
	registry  *rotation.Registry
	health    *rotation.HealthTracker
	store     *auditlog.MemoryStore
	templates *templates.MemoryStore
	transport *stubTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := rotation.NewRegistry(nil)
	p := &rotation.Provider{
		ID: "smtp-1", Name: "smtp-1", Kind: rotation.KindSMTP, Enabled: true, Weight: 1,
		SMTP:      &rotation.SMTPCredentials{Host: "mail.example.com", Port: 587, Encryption: rotation.EncryptionTLS},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := registry.Upsert(context.Background(), p); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	health := rotation.NewHealthTracker()
	selector := rotation.NewSelector(registry, health, nil)
	selector.SetRand(rand.New(rand.NewSource(1)))
	settings := rotation.NewSettings(nil, rotation.DefaultConfig())
	store := auditlog.NewMemoryStore()
	transport := &stubTransport{}
	orchestrator := rotation.NewOrchestrator(selector, health, settings, transport, store, nil)
	svc := auditlog.NewService(store, registry, health, nil)
	tmpl := templates.NewMemoryStore()

	h := NewHandlers(orchestrator, registry, health, settings, svc, tmpl)
	return &testEnv{
		handler:   SetupRoutes(h),
		registry:  registry,
		health:    health,
		store:     store,
		templates: tmpl,
		transport: transport,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
		"to":         "user@example.com",
		"from_email": "news@example.com",
		"subject":    "hi",
		"html_body":  "<p>hi</p>",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res rotation.FinalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != rotation.FinalSucceeded || len(res.Attempts) != 1 {
		t.Errorf("result = %+v", res)
	}

	// The attempt landed in the audit log.
	page, _ := env.store.Query(context.Background(), auditlog.Filter{}, 1, 10)
	if page.Total != 1 {
		t.Errorf("audit rows = %d, want 1", page.Total)
	}
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"missing to", map[string]interface{}{"from_email": "a@b.c", "subject": "s", "text_body": "t"}},
		{"missing subject", map[string]interface{}{"to": "u@e.com", "from_email": "a@b.c", "text_body": "t"}},
		{"missing body", map[string]interface{}{"to": "u@e.com", "from_email": "a@b.c", "subject": "s"}},
		{"missing from", map[string]interface{}{"to": "u@e.com", "subject": "s", "text_body": "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, env.handler, http.MethodPost, "/api/messages/send", tt.payload)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSendMessageWithTemplate(t *testing.T) {
	env := newTestEnv(t)
	tmpl := &templates.Template{
		Name: "digest", Subject: "Weekly digest", HTMLBody: "<p>news</p>",
		FromName: "News", FromEmail: "news@example.com",
	}
	if err := env.templates.Save(context.Background(), tmpl); err != nil {
		t.Fatalf("save template: %v", err)
	}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
		"to":          "user@example.com",
		"template_id": tmpl.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	page, _ := env.store.Query(context.Background(), auditlog.Filter{}, 1, 10)
	if page.Rows[0].Subject != "Weekly digest" {
		t.Errorf("subject = %q, want from template", page.Rows[0].Subject)
	}
}

func TestSendMessageUnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
		"to": "user@example.com", "template_id": "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSendMessageExhaustedMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.transport.results = []*rotation.TransportResult{
		{Status: rotation.StatusFailed, ErrorCode: "smtp_451"},
		{Status: rotation.StatusFailed, ErrorCode: "smtp_451"},
		{Status: rotation.StatusFailed, ErrorCode: "smtp_451"},
	}
	rec := doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
		"to": "user@example.com", "from_email": "a@b.c", "subject": "s", "text_body": "t",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
}

func TestSendRejectedWhileDisabled(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPatch, "/api/rotation/config", map[string]interface{}{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
		"to": "user@example.com", "from_email": "a@b.c", "subject": "s", "text_body": "t",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var res rotation.FinalResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Reason != rotation.ReasonRotationDisabled {
		t.Errorf("reason = %s", res.Reason)
	}
}

func TestRotationConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.handler, http.MethodGet, "/api/rotation/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var cfg rotation.Config
	json.Unmarshal(rec.Body.Bytes(), &cfg)
	if cfg != rotation.DefaultConfig() {
		t.Errorf("initial config = %+v", cfg)
	}

	rec = doJSON(t, env.handler, http.MethodPatch, "/api/rotation/config", map[string]interface{}{
		"api_smtp_balance_ratio": 80,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	json.Unmarshal(rec.Body.Bytes(), &cfg)
	if cfg.APISMTPBalanceRatio != 80 {
		t.Errorf("ratio = %d, want 80", cfg.APISMTPBalanceRatio)
	}
	if cfg.Strategy != rotation.StrategyRoundRobin {
		t.Error("omitted fields must keep their values")
	}
}

func TestRotationConfigPatchRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPatch, "/api/rotation/config", map[string]interface{}{
		"api_smtp_balance_ratio": 150,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRotationStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
		"to": "user@example.com", "from_email": "a@b.c", "subject": "s", "text_body": "t",
	})

	rec := doJSON(t, env.handler, http.MethodGet, "/api/rotation/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats auditlog.DashboardStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Overview.TotalSent != 1 {
		t.Errorf("total sent = %d, want 1", stats.Overview.TotalSent)
	}
	if len(stats.Providers) != 1 {
		t.Errorf("providers = %d, want 1", len(stats.Providers))
	}
}

func TestRotationLogsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		doJSON(t, env.handler, http.MethodPost, "/api/messages/send", map[string]interface{}{
			"to": "user@example.com", "from_email": "a@b.c", "subject": "s", "text_body": "t",
		})
	}

	rec := doJSON(t, env.handler, http.MethodGet, "/api/rotation/logs?page=1&limit=2&status=success", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Logs       []*rotation.SendAttemptLog `json:"logs"`
		Facets     *auditlog.Facets           `json:"facets"`
		Pagination PaginationMeta             `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Logs) != 2 {
		t.Errorf("logs = %d, want page of 2", len(body.Logs))
	}
	if body.Pagination.Total != 3 || !body.Pagination.HasMore {
		t.Errorf("pagination = %+v", body.Pagination)
	}
	if body.Facets.Statuses["success"] != 3 {
		t.Errorf("facets = %+v", body.Facets)
	}
}

func TestRotationLogsRejectsBadTimestamp(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodGet, "/api/rotation/logs?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookEventEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/webhooks/events", map[string]string{
		"message_id": "msg-1", "event_type": "opened",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/webhooks/events", map[string]string{
		"message_id": "msg-1", "event_type": "unsubscribed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown event type status = %d, want 400", rec.Code)
	}
}

func TestProviderLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/providers", map[string]interface{}{
		"name": "resend-1", "kind": "api", "enabled": true, "weight": 2,
		"api": map[string]string{"endpoint": "https://api.resend.example/send", "api_key": "k"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created rotation.Provider
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("id should be assigned")
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/providers/"+created.ID+"/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	p, _ := env.registry.Get(created.ID)
	if p.Enabled {
		t.Error("provider still enabled")
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/providers/"+created.ID+"/enable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/providers/ghost/disable", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodGet, "/api/providers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Providers []auditlog.ProviderPerformance `json:"providers"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Providers) != 2 {
		t.Errorf("providers = %d, want 2", len(list.Providers))
	}
}

func TestProviderCreateRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/providers", map[string]interface{}{
		"name": "broken", "kind": "smtp", "weight": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for smtp provider without credentials", rec.Code)
	}
}

func TestProviderHealthResetEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.health.SetFailureThreshold(1)
	env.health.ReportOutcome("smtp-1", rotation.StatusFailed, 0, 0)
	p, _ := env.registry.Get("smtp-1")
	if env.health.IsEligible(p) {
		t.Fatal("setup: provider should be unhealthy")
	}

	rec := doJSON(t, env.handler, http.MethodPost, "/api/providers/smtp-1/health/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !env.health.IsEligible(p) {
		t.Error("provider still ineligible after reset")
	}

	rec = doJSON(t, env.handler, http.MethodPost, "/api/providers/ghost/health/reset", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", rec.Code)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/templates", map[string]string{
		"name": "digest", "subject": "Weekly", "htmlBody": "<p>x</p>",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created templates.Template
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, env.handler, http.MethodGet, "/api/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec = doJSON(t, env.handler, http.MethodDelete, "/api/templates/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, env.handler, http.MethodDelete, "/api/templates/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}
