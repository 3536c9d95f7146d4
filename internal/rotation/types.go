package rotation

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// DELIVERY ROTATION ENGINE - Shared Types
// =============================================================================
// Core domain types shared by the registry, health tracker, selector,
// orchestrator, and audit log. Transport adapters live in internal/transport
// and implement the Transport interface declared in orchestrator.go.

var (
	ErrProviderNotFound  = errors.New("provider not found")
	ErrRotationDisabled  = errors.New("rotation is disabled")
	ErrNoEligibleProvider = errors.New("no eligible provider available")
)

// ProviderKind distinguishes the two transport families.
type ProviderKind string

const (
	KindSMTP ProviderKind = "smtp"
	KindAPI  ProviderKind = "api"
)

// EncryptionMode selects the SMTP connection security.
type EncryptionMode string

const (
	EncryptionTLS  EncryptionMode = "tls" // STARTTLS on a plaintext connection
	EncryptionSSL  EncryptionMode = "ssl" // implicit TLS from the first byte
	EncryptionNone EncryptionMode = "none"
)

// SMTPCredentials configures an SMTP account provider.
type SMTPCredentials struct {
	Host       string         `json:"host" yaml:"host"`
	Port       int            `json:"port" yaml:"port"`
	Username   string         `json:"username" yaml:"username"`
	Password   string         `json:"password" yaml:"password"`
	Encryption EncryptionMode `json:"encryption" yaml:"encryption"`
}

// APICredentials configures an HTTP API provider. Vendor "ses" routes
// through the AWS SDK adapter using the access/secret key pair; anything
// else posts to Endpoint with APIKey as a bearer token.
type APICredentials struct {
	Vendor    string `json:"vendor" yaml:"vendor"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key"`
	Region    string `json:"region,omitempty" yaml:"region"`
}

// Provider is one configured sending channel.
type Provider struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       ProviderKind `json:"kind"`
	Enabled    bool         `json:"enabled"`
	Weight     int          `json:"weight"`
	DailyLimit int          `json:"daily_limit,omitempty"` // 0 = unlimited

	SMTP *SMTPCredentials `json:"smtp,omitempty"`
	API  *APICredentials  `json:"api,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the structural invariants: exactly one credentials
// shape matching the kind, and weight >= 1.
func (p *Provider) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if p.Weight < 1 {
		return fmt.Errorf("provider %s: weight must be >= 1, got %d", p.ID, p.Weight)
	}
	switch p.Kind {
	case KindSMTP:
		if p.SMTP == nil || p.API != nil {
			return fmt.Errorf("provider %s: smtp kind requires smtp credentials only", p.ID)
		}
		if p.SMTP.Host == "" {
			return fmt.Errorf("provider %s: smtp host is required", p.ID)
		}
	case KindAPI:
		if p.API == nil || p.SMTP != nil {
			return fmt.Errorf("provider %s: api kind requires api credentials only", p.ID)
		}
	default:
		return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
	}
	return nil
}

// clone returns a copy safe to hand out of the registry.
func (p *Provider) clone() *Provider {
	cp := *p
	if p.SMTP != nil {
		s := *p.SMTP
		cp.SMTP = &s
	}
	if p.API != nil {
		a := *p.API
		cp.API = &a
	}
	return &cp
}

// Status is the outcome taxonomy shared by logs and stats.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusTimeout     Status = "timeout"
	StatusRateLimited Status = "rate_limited"
	StatusBounced     Status = "bounced"
	StatusDeferred    Status = "deferred"
)

// Strategy selects how a provider is picked within a pool.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
)

// Config is the process-wide rotation configuration. Hot-reloadable via
// the settings store; read with snapshot-at-selection-time semantics.
type Config struct {
	Enabled             bool     `json:"enabled"`
	Strategy            Strategy `json:"strategy"`
	APISMTPBalanceRatio int      `json:"api_smtp_balance_ratio"` // 0-100, % of traffic preferring API providers
	IncludeAPIProviders bool     `json:"include_api_providers"`
	FailureThreshold    int      `json:"failure_threshold"`
	MaxAttemptsPerMessage int    `json:"max_attempts_per_message"`
}

// DefaultConfig returns the configuration used before any operator change.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Strategy:              StrategyRoundRobin,
		APISMTPBalanceRatio:   50,
		IncludeAPIProviders:   true,
		FailureThreshold:      3,
		MaxAttemptsPerMessage: 3,
	}
}

// Validate checks ranges on an operator-supplied config.
func (c Config) Validate() error {
	if c.APISMTPBalanceRatio < 0 || c.APISMTPBalanceRatio > 100 {
		return fmt.Errorf("api_smtp_balance_ratio must be in [0,100], got %d", c.APISMTPBalanceRatio)
	}
	switch c.Strategy {
	case StrategyRoundRobin, StrategyWeighted:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.MaxAttemptsPerMessage < 1 {
		return fmt.Errorf("max_attempts_per_message must be >= 1, got %d", c.MaxAttemptsPerMessage)
	}
	return nil
}

// Message is one logical email to deliver. A message may take several
// transport attempts; all of them share MessageID in the audit trail.
type Message struct {
	MessageID  string
	Recipient  string
	FromName   string
	FromEmail  string
	ReplyTo    string
	Subject    string
	HTMLBody   string
	TextBody   string
	Headers    map[string]string
	TemplateID string
}

// TransportResult is the uniform outcome of one adapter call.
type TransportResult struct {
	Status            Status
	ResponseTimeMs    int64
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	// Permanent marks message-specific faults (invalid recipient, rejected
	// payload) that must not be retried on another provider.
	Permanent bool
	// RetryAfter carries the provider's Retry-After hint on rate limiting.
	RetryAfter time.Duration
}

// SendAttemptLog is one append-only audit row. Attempt rows have
// EventType "send"; webhook-derived rows (delivered/opened/clicked/
// bounced/deferred) are separate rows sharing MessageID.
type SendAttemptLog struct {
	ID               string    `json:"id"`
	MessageID        string    `json:"message_id"`
	Timestamp        time.Time `json:"timestamp"`
	EventType        string    `json:"event_type"`
	ProviderID       string    `json:"provider_id"`
	ProviderName     string    `json:"provider_name"`
	ProviderKind     ProviderKind `json:"provider_kind"`
	Recipient        string    `json:"recipient"`
	Subject          string    `json:"subject"`
	Status           Status    `json:"status"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	ErrorCode        string    `json:"error_code,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RotationStrategy Strategy  `json:"rotation_strategy,omitempty"`
	WasFallback      bool      `json:"was_fallback"`
	AttemptNumber    int       `json:"attempt_number"`
}

// EventSend is the EventType of synchronous transport attempts.
const EventSend = "send"

// FinalStatus is the terminal state of a logical message.
type FinalStatus string

const (
	FinalSucceeded FinalStatus = "succeeded"
	FinalExhausted FinalStatus = "exhausted"
)

// Exhaustion reasons, surfaced so the UI can tell "system disabled"
// apart from "all providers down".
const (
	ReasonRotationDisabled = "rotation_disabled"
	ReasonNoProviders      = "no_eligible_providers"
	ReasonPermanentError   = "permanent_error"
	ReasonMaxAttempts      = "max_attempts_reached"
	ReasonCanceled         = "canceled"
)

// FinalResult is what callers of the orchestrator receive: the terminal
// status plus every attempt made for the message.
type FinalResult struct {
	MessageID string            `json:"message_id"`
	Status    FinalStatus       `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Attempts  []*SendAttemptLog `json:"attempts"`
}
