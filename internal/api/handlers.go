package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/relay-rotor/internal/auditlog"
	"github.com/ignite/relay-rotor/internal/pkg/httputil"
	"github.com/ignite/relay-rotor/internal/pkg/logger"
	"github.com/ignite/relay-rotor/internal/rotation"
	"github.com/ignite/relay-rotor/internal/templates"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	orchestrator *rotation.Orchestrator
	registry     *rotation.Registry
	health       *rotation.HealthTracker
	settings     *rotation.Settings
	audit        *auditlog.Service
	templates    templates.Store
	startTime    time.Time
	log          *logger.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	orchestrator *rotation.Orchestrator,
	registry *rotation.Registry,
	health *rotation.HealthTracker,
	settings *rotation.Settings,
	audit *auditlog.Service,
	templateStore templates.Store,
) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		registry:     registry,
		health:       health,
		settings:     settings,
		audit:        audit,
		templates:    templateStore,
		startTime:    time.Now(),
		log:          logger.With("api"),
	}
}

// HealthCheck reports process liveness.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// sendRequest is the POST /api/messages/send payload.
type sendRequest struct {
	MessageID  string            `json:"message_id,omitempty"`
	To         string            `json:"to"`
	FromName   string            `json:"from_name,omitempty"`
	FromEmail  string            `json:"from_email,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	HTMLBody   string            `json:"html_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
}

// SendMessage delivers one message through the rotation engine.
// Fields left empty by the caller are filled from the named template.
//
//	POST /api/messages/send
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" {
		httputil.Error(w, http.StatusBadRequest, "to is required")
		return
	}

	msg := &rotation.Message{
		MessageID:  req.MessageID,
		Recipient:  req.To,
		FromName:   req.FromName,
		FromEmail:  req.FromEmail,
		ReplyTo:    req.ReplyTo,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   req.TextBody,
		Headers:    req.Headers,
		TemplateID: req.TemplateID,
	}

	if req.TemplateID != "" {
		tmpl, err := h.templates.Resolve(r.Context(), req.TemplateID)
		if errors.Is(err, templates.ErrTemplateNotFound) {
			httputil.Error(w, http.StatusNotFound, "template not found: "+req.TemplateID)
			return
		}
		if err != nil {
			httputil.Error(w, http.StatusInternalServerError, "template lookup failed")
			return
		}
		applyTemplate(msg, tmpl)
	}

	if msg.Subject == "" {
		httputil.Error(w, http.StatusBadRequest, "subject is required")
		return
	}
	if msg.HTMLBody == "" && msg.TextBody == "" {
		httputil.Error(w, http.StatusBadRequest, "html_body or text_body is required")
		return
	}
	if msg.FromEmail == "" {
		httputil.Error(w, http.StatusBadRequest, "from_email is required")
		return
	}

	result, err := h.orchestrator.SendMessage(r.Context(), msg)
	if err != nil {
		h.log.Error("send failed", "recipient", msg.Recipient, "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "send failed")
		return
	}

	status := http.StatusOK
	if result.Status == rotation.FinalExhausted {
		status = http.StatusBadGateway
		if result.Reason == rotation.ReasonRotationDisabled {
			status = http.StatusServiceUnavailable
		}
	}
	httputil.JSON(w, status, result)
}

// applyTemplate fills message fields the caller left empty.
func applyTemplate(msg *rotation.Message, t *templates.Template) {
	if msg.Subject == "" {
		msg.Subject = t.Subject
	}
	if msg.HTMLBody == "" {
		msg.HTMLBody = t.HTMLBody
	}
	if msg.TextBody == "" {
		msg.TextBody = t.TextBody
	}
	if msg.FromName == "" {
		msg.FromName = t.FromName
	}
	if msg.FromEmail == "" {
		msg.FromEmail = t.FromEmail
	}
}

// webhookEvent is the POST /api/webhooks/events payload.
type webhookEvent struct {
	MessageID string `json:"message_id"`
	EventType string `json:"event_type"`
}

// ReceiveWebhookEvent records a provider delivery event against the
// audit trail.
//
//	POST /api/webhooks/events
func (h *Handlers) ReceiveWebhookEvent(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.audit.RecordEvent(r.Context(), evt.MessageID, evt.EventType); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// GetRotationStats returns the aggregated dashboard view.
//
//	GET /api/rotation/stats?window_days=7
func (h *Handlers) GetRotationStats(w http.ResponseWriter, r *http.Request) {
	windowDays, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	if windowDays < 1 {
		windowDays = 7
	}
	stats, err := h.audit.DashboardStats(r.Context(), windowDays)
	if err != nil {
		h.log.Error("stats query failed", "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	httputil.JSON(w, http.StatusOK, stats)
}

// GetRotationConfig returns the current rotation configuration.
//
//	GET /api/rotation/config
func (h *Handlers) GetRotationConfig(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.settings.Get(r.Context()))
}

// PatchRotationConfig applies a partial configuration update. Omitted
// fields keep their current values.
//
//	PATCH /api/rotation/config
func (h *Handlers) PatchRotationConfig(w http.ResponseWriter, r *http.Request) {
	var patch rotation.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := h.settings.Patch(r.Context(), patch)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.JSON(w, http.StatusOK, cfg)
}

// GetRotationLogs returns a filtered, paginated slice of the audit
// trail plus facets for the filter UI.
//
//	GET /api/rotation/logs?page=1&limit=50&status=failed&provider=...&search=...&from=...&to=...
func (h *Handlers) GetRotationLogs(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r, 50, 500)
	q := r.URL.Query()

	f := auditlog.Filter{
		Status:       q.Get("status"),
		ProviderName: q.Get("provider"),
		Search:       q.Get("search"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}

	page, facets, err := h.audit.Logs(r.Context(), f, params.Page, params.Limit)
	if err != nil {
		h.log.Error("log query failed", "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "log query failed")
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"logs":       page.Rows,
		"facets":     facets,
		"pagination": NewPaginationMeta(params, page.Total),
	})
}

// ListProviders returns all configured providers with live health.
//
//	GET /api/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	perf, err := h.audit.ProviderPerformance(r.Context())
	if err != nil {
		h.log.Error("provider list failed", "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "provider list failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"providers": perf})
}

// UpsertProvider creates or replaces a provider.
//
//	POST /api/providers
func (h *Handlers) UpsertProvider(w http.ResponseWriter, r *http.Request) {
	var p rotation.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := h.registry.Upsert(r.Context(), &p); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.JSON(w, http.StatusOK, &p)
}

// EnableProvider re-enables a provider for selection.
//
//	POST /api/providers/{id}/enable
func (h *Handlers) EnableProvider(w http.ResponseWriter, r *http.Request) {
	h.setProviderEnabled(w, r, true)
}

// DisableProvider soft-disables a provider. Its history and health
// state are retained.
//
//	POST /api/providers/{id}/disable
func (h *Handlers) DisableProvider(w http.ResponseWriter, r *http.Request) {
	h.setProviderEnabled(w, r, false)
}

func (h *Handlers) setProviderEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	err := h.registry.SetEnabled(r.Context(), id, enabled)
	if errors.Is(err, rotation.ErrProviderNotFound) {
		httputil.Error(w, http.StatusNotFound, "provider not found: "+id)
		return
	}
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enabled})
}

// ResetProviderHealth clears failure counters and rate-limit windows
// for one provider, returning it to rotation immediately.
//
//	POST /api/providers/{id}/health/reset
func (h *Handlers) ResetProviderHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(id); err != nil {
		httputil.Error(w, http.StatusNotFound, "provider not found: "+id)
		return
	}
	h.health.Reset(id)
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"id": id, "health": h.health.Snapshot(id)})
}

// ListTemplates returns all stored templates.
//
//	GET /api/templates
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.templates.List(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "template list failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"templates": list})
}

// SaveTemplate creates or updates a template.
//
//	POST /api/templates
func (h *Handlers) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t templates.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t.Name == "" {
		httputil.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.templates.Save(r.Context(), &t); err != nil {
		httputil.Error(w, http.StatusInternalServerError, "template save failed")
		return
	}
	httputil.JSON(w, http.StatusOK, &t)
}

// DeleteTemplate removes a template.
//
//	DELETE /api/templates/{id}
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.templates.Delete(r.Context(), id)
	if errors.Is(err, templates.ErrTemplateNotFound) {
		httputil.Error(w, http.StatusNotFound, "template not found: "+id)
		return
	}
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "template delete failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
