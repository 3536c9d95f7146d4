package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/relay-rotor/internal/rotation"
)

func apiTestProvider(endpoint string) *rotation.Provider {
	return &rotation.Provider{
		ID:      "api-1",
		Name:    "api-1",
		Kind:    rotation.KindAPI,
		Enabled: true,
		Weight:  1,
		API:     &rotation.APICredentials{Endpoint: endpoint, APIKey: "test-key"},
	}
}

func testMessage() *rotation.Message {
	return &rotation.Message{
		MessageID: "msg-1",
		Recipient: "user@example.com",
		FromEmail: "news@example.com",
		FromName:  "News",
		Subject:   "hi",
		HTMLBody:  "<p>hi</p>",
	}
}

func TestAPISenderSuccess(t *testing.T) {
	var gotAuth string
	var gotPayload apiPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"id": "prov-abc"})
	}))
	defer srv.Close()

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 5*time.Second)
	if res.Status != rotation.StatusSuccess {
		t.Fatalf("status = %s, want success (%s)", res.Status, res.ErrorMessage)
	}
	if res.ProviderMessageID != "prov-abc" {
		t.Errorf("provider message id = %s, want prov-abc", res.ProviderMessageID)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(gotPayload.To) != 1 || gotPayload.To[0] != "user@example.com" {
		t.Errorf("payload to = %v", gotPayload.To)
	}
	if gotPayload.MessageID != "msg-1" {
		t.Errorf("payload message_id = %s", gotPayload.MessageID)
	}
}

func TestAPISenderRateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "rate_limited", "message": "slow down"},
		})
	}))
	defer srv.Close()

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 5*time.Second)
	if res.Status != rotation.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", res.Status)
	}
	if res.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", res.RetryAfter)
	}
	if res.Permanent {
		t.Error("rate limiting is never permanent")
	}
}

func TestAPISenderPermanentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]string{{"code": "invalid_recipient", "message": "bad address"}},
		})
	}))
	defer srv.Close()

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 5*time.Second)
	if res.Status != rotation.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !res.Permanent {
		t.Error("invalid recipient must be permanent")
	}
	if res.ErrorCode != "invalid_recipient" {
		t.Errorf("code = %s, want invalid_recipient", res.ErrorCode)
	}
}

func TestAPISenderAuthFailureStaysRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 5*time.Second)
	if res.Status != rotation.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Permanent {
		t.Error("a provider auth problem is not a message fault")
	}
}

func TestAPISenderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 5*time.Second)
	if res.Status != rotation.StatusFailed || res.Permanent {
		t.Errorf("5xx should be a retryable failure, got %+v", res)
	}
}

func TestAPISenderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 100*time.Millisecond)
	if res.Status != rotation.StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if res.ErrorCode != "request_timeout" {
		t.Errorf("code = %s, want request_timeout", res.ErrorCode)
	}
}

func TestAPISenderSuccessIDFromHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Message-Id", "hdr-42")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res := NewAPISender().Send(context.Background(), testMessage(), apiTestProvider(srv.URL), 5*time.Second)
	if res.Status != rotation.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.ProviderMessageID != "hdr-42" {
		t.Errorf("provider message id = %s, want hdr-42", res.ProviderMessageID)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("45"); got != 45*time.Second {
		t.Errorf("seconds form = %v, want 45s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v, want 0", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("garbage = %v, want 0", got)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got < 80*time.Second || got > 90*time.Second {
		t.Errorf("http-date form = %v, want about 90s", got)
	}
}
