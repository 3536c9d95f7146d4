// Package transport contains the two adapter families behind the one
// send contract: an SMTP client adapter with pooled connections and an
// HTTP API adapter (plus an AWS SES variant selected by credential
// vendor). The Dispatcher picks the adapter from the provider kind.
package transport

import (
	"context"
	"time"

	"github.com/ignite/relay-rotor/internal/rotation"
)

// Dispatcher routes a send to the adapter matching the provider kind.
// It implements rotation.Transport.
type Dispatcher struct {
	smtp *SMTPSender
	api  *APISender
	ses  *SESSender
}

// NewDispatcher creates a dispatcher with all adapters ready.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		smtp: NewSMTPSender(),
		api:  NewAPISender(),
		ses:  NewSESSender(),
	}
}

// Send dispatches on provider kind. Unknown kinds cannot happen for
// providers that passed Validate, but a malformed row still yields a
// classified failure rather than a panic.
func (d *Dispatcher) Send(ctx context.Context, msg *rotation.Message, p *rotation.Provider, timeout time.Duration) *rotation.TransportResult {
	switch p.Kind {
	case rotation.KindSMTP:
		return d.smtp.Send(ctx, msg, p, timeout)
	case rotation.KindAPI:
		if p.API != nil && p.API.Vendor == VendorSES {
			return d.ses.Send(ctx, msg, p, timeout)
		}
		return d.api.Send(ctx, msg, p, timeout)
	default:
		return &rotation.TransportResult{
			Status:       rotation.StatusFailed,
			ErrorCode:    "unknown_kind",
			ErrorMessage: "provider has unknown kind " + string(p.Kind),
			Permanent:    true,
		}
	}
}

// Close quits pooled SMTP connections.
func (d *Dispatcher) Close() {
	d.smtp.Close()
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
