package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/relay-rotor/internal/pkg/logger"
	"github.com/ignite/relay-rotor/internal/rotation"
)

// APISender posts to a provider's HTTP send endpoint with its API key.
// The request payload is the common denominator of the REST ESPs the
// platform integrates (Resend/SendGrid-shaped JSON).
type APISender struct {
	client *http.Client
	log    *logger.Logger
}

// NewAPISender creates the HTTP API adapter. The client carries no
// global timeout; each request gets a per-call context deadline.
func NewAPISender() *APISender {
	return &APISender{
		client: &http.Client{},
		log:    logger.With("api-adapter"),
	}
}

type apiPayload struct {
	MessageID string            `json:"message_id"`
	From      apiAddress        `json:"from"`
	To        []string          `json:"to"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html"`
	Text      string            `json:"text,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type apiAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type apiResponse struct {
	ID     string `json:"id"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Codes providers use to reject the recipient address itself. These are
// message faults and must not be retried on another provider.
var permanentAPICodes = map[string]bool{
	"invalid_recipient": true,
	"invalid_email":     true,
	"invalid_to":        true,
	"invalid_payload":   true,
	"malformed_content": true,
}

// Send issues the POST under a hard deadline and maps the response to
// the shared status taxonomy.
func (s *APISender) Send(ctx context.Context, msg *rotation.Message, p *rotation.Provider, timeout time.Duration) *rotation.TransportResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := apiPayload{
		MessageID: msg.MessageID,
		From:      apiAddress{Email: msg.FromEmail, Name: msg.FromName},
		To:        []string{msg.Recipient},
		ReplyTo:   msg.ReplyTo,
		Subject:   msg.Subject,
		HTML:      msg.HTMLBody,
		Text:      msg.TextBody,
		Headers:   msg.Headers,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &rotation.TransportResult{
			Status:       rotation.StatusFailed,
			ErrorCode:    "marshal_error",
			ErrorMessage: err.Error(),
			Permanent:    true,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.API.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &rotation.TransportResult{
			Status:       rotation.StatusFailed,
			ErrorCode:    "bad_endpoint",
			ErrorMessage: err.Error(),
		}
	}
	req.Header.Set("Authorization", "Bearer "+p.API.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		status, code := classifyHTTPTransportErr(err)
		return &rotation.TransportResult{
			Status:         status,
			ResponseTimeMs: elapsedMs(start),
			ErrorCode:      code,
			ErrorMessage:   err.Error(),
		}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	result := s.mapResponse(resp, respBody)
	result.ResponseTimeMs = elapsedMs(start)

	if result.Status == rotation.StatusSuccess {
		s.log.Info("sent", "provider", p.ID, "recipient", msg.Recipient, "id", result.ProviderMessageID)
	} else {
		s.log.Warn("api send failed",
			"provider", p.ID, "http_status", fmt.Sprintf("%d", resp.StatusCode), "code", result.ErrorCode)
	}
	return result
}

func (s *APISender) mapResponse(resp *http.Response, body []byte) *rotation.TransportResult {
	var parsed apiResponse
	json.Unmarshal(body, &parsed)

	errCode := parsed.Error.Code
	errMsg := parsed.Error.Message
	if errCode == "" && len(parsed.Errors) > 0 {
		errCode = parsed.Errors[0].Code
		errMsg = parsed.Errors[0].Message
	}
	if errMsg == "" && resp.StatusCode >= 400 {
		errMsg = strings.TrimSpace(string(body))
		if len(errMsg) > 200 {
			errMsg = errMsg[:200]
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		id := parsed.ID
		if id == "" {
			id = resp.Header.Get("X-Message-Id")
		}
		if id == "" {
			id = uuid.New().String()
		}
		return &rotation.TransportResult{Status: rotation.StatusSuccess, ProviderMessageID: id}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &rotation.TransportResult{
			Status:       rotation.StatusRateLimited,
			ErrorCode:    "rate_limited",
			ErrorMessage: errMsg,
			RetryAfter:   parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode == http.StatusRequestTimeout:
		return &rotation.TransportResult{
			Status:       rotation.StatusTimeout,
			ErrorCode:    "http_408",
			ErrorMessage: errMsg,
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		code := errCode
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		// A rejected payload (400/413/422) or a known bad-recipient code
		// is a message fault; auth problems (401/403) stay retryable on
		// another provider.
		permanent := permanentAPICodes[errCode] ||
			resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusRequestEntityTooLarge ||
			resp.StatusCode == http.StatusUnprocessableEntity
		return &rotation.TransportResult{
			Status:       rotation.StatusFailed,
			ErrorCode:    code,
			ErrorMessage: errMsg,
			Permanent:    permanent,
		}

	default:
		code := errCode
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &rotation.TransportResult{
			Status:       rotation.StatusFailed,
			ErrorCode:    code,
			ErrorMessage: errMsg,
		}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func classifyHTTPTransportErr(err error) (rotation.Status, string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rotation.StatusTimeout, "request_timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return rotation.StatusTimeout, "request_timeout"
	}
	return rotation.StatusFailed, "network_error"
}
