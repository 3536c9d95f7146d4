package rotation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/relay-rotor/internal/pkg/logger"
)

// Transport is the uniform send contract over the two adapter families.
// Implementations must return within the timeout (hard deadline); a hung
// provider surfaces as StatusTimeout, never as a blocked goroutine.
type Transport interface {
	Send(ctx context.Context, msg *Message, p *Provider, timeout time.Duration) *TransportResult
}

// AuditSink receives exactly one row per transport call.
type AuditSink interface {
	Append(ctx context.Context, row *SendAttemptLog) error
}

// SendRecorder tracks live per-provider counters (Redis). Optional.
type SendRecorder interface {
	RecordSend(ctx context.Context, providerID string)
	RecordFailure(ctx context.Context, providerID string)
}

const defaultAttemptTimeout = 30 * time.Second

// Orchestrator drives selection → transport → retry/fallback → audit for
// one logical message at a time. Many orchestrator calls run
// concurrently; the shared state is confined to the health tracker and
// the selector cursors.
type Orchestrator struct {
	selector  *Selector
	health    *HealthTracker
	settings  *Settings
	transport Transport
	audit     AuditSink
	counters  SendRecorder

	attemptTimeout time.Duration
	log            *logger.Logger
}

// NewOrchestrator wires the engine together. counters may be nil.
func NewOrchestrator(selector *Selector, health *HealthTracker, settings *Settings, transport Transport, audit AuditSink, counters SendRecorder) *Orchestrator {
	return &Orchestrator{
		selector:       selector,
		health:         health,
		settings:       settings,
		transport:      transport,
		audit:          audit,
		counters:       counters,
		attemptTimeout: defaultAttemptTimeout,
		log:            logger.With("orchestrator"),
	}
}

// SetAttemptTimeout overrides the per-attempt transport deadline.
func (o *Orchestrator) SetAttemptTimeout(d time.Duration) {
	if d > 0 {
		o.attemptTimeout = d
	}
}

// SendMessage delivers one logical message. It makes at most
// MaxAttemptsPerMessage transport calls, never reuses a provider already
// tried for this message, and stops immediately on permanent
// (message-specific) errors. Every attempt, successful or not, produces
// exactly one audit row; the returned FinalResult carries them all.
func (o *Orchestrator) SendMessage(ctx context.Context, msg *Message) (*FinalResult, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}

	// One config snapshot per message; a PATCH mid-send applies to the
	// next message, not this one.
	cfg := o.settings.Get(ctx)
	o.health.SetFailureThreshold(cfg.FailureThreshold)

	result := &FinalResult{MessageID: msg.MessageID, Status: FinalExhausted}

	if !cfg.Enabled {
		result.Reason = ReasonRotationDisabled
		o.log.Warn("send rejected, rotation disabled", "message_id", msg.MessageID)
		return result, nil
	}

	excluded := make(map[string]bool)
	for attempt := 1; attempt <= cfg.MaxAttemptsPerMessage; attempt++ {
		provider, err := o.selector.Select(ctx, cfg, excluded)
		if err != nil {
			result.Reason = ReasonNoProviders
			o.log.Warn("selection exhausted", "message_id", msg.MessageID, "attempt", attempt)
			return result, nil
		}

		res := o.transport.Send(ctx, msg, provider, o.attemptTimeout)

		row := &SendAttemptLog{
			ID:               uuid.New().String(),
			MessageID:        msg.MessageID,
			Timestamp:        time.Now().UTC(),
			EventType:        EventSend,
			ProviderID:       provider.ID,
			ProviderName:     provider.Name,
			ProviderKind:     provider.Kind,
			Recipient:        msg.Recipient,
			Subject:          msg.Subject,
			Status:           res.Status,
			ResponseTimeMs:   res.ResponseTimeMs,
			ErrorCode:        res.ErrorCode,
			ErrorMessage:     res.ErrorMessage,
			RotationStrategy: cfg.Strategy,
			WasFallback:      attempt > 1,
			AttemptNumber:    attempt,
		}
		if err := o.audit.Append(ctx, row); err != nil {
			o.log.Error("audit append failed", "message_id", msg.MessageID, "error", err.Error())
		}
		result.Attempts = append(result.Attempts, row)

		o.health.ReportOutcome(provider.ID, res.Status, res.ResponseTimeMs, res.RetryAfter)
		if o.counters != nil {
			if res.Status == StatusSuccess {
				o.counters.RecordSend(ctx, provider.ID)
			} else {
				o.counters.RecordFailure(ctx, provider.ID)
			}
		}

		if res.Status == StatusSuccess {
			result.Status = FinalSucceeded
			result.Reason = ""
			return result, nil
		}

		if res.Permanent {
			// The message itself is bad; another provider cannot fix it.
			result.Reason = ReasonPermanentError
			o.log.Warn("permanent failure, not retrying",
				"message_id", msg.MessageID, "provider", provider.ID, "code", res.ErrorCode)
			return result, nil
		}

		if ctx.Err() != nil {
			// The attempt above was already recorded, so the audit trail
			// has no ghost send; just stop retrying.
			result.Reason = ReasonCanceled
			return result, nil
		}

		excluded[provider.ID] = true
	}

	result.Reason = ReasonMaxAttempts
	return result, nil
}
