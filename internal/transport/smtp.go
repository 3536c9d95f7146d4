package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/relay-rotor/internal/pkg/logger"
	"github.com/ignite/relay-rotor/internal/rotation"
)

// SMTPSender delivers mail over SMTP accounts. One idle connection per
// provider is kept warm and reused; concurrent sends to the same
// provider that miss the pooled connection dial a fresh one.
type SMTPSender struct {
	mu    sync.Mutex
	idle  map[string]*smtpConn // provider id -> parked connection
	log   *logger.Logger
}

type smtpConn struct {
	client *smtp.Client
	raw    net.Conn
}

// NewSMTPSender creates the SMTP adapter.
func NewSMTPSender() *SMTPSender {
	return &SMTPSender{
		idle: make(map[string]*smtpConn),
		log:  logger.With("smtp-adapter"),
	}
}

// Send performs one SMTP transaction under a hard deadline. The raw
// socket deadline is set to start+timeout, so a stalled server cannot
// hold the goroutine past it.
func (s *SMTPSender) Send(ctx context.Context, msg *rotation.Message, p *rotation.Provider, timeout time.Duration) *rotation.TransportResult {
	start := time.Now()
	deadline := start.Add(timeout)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn := s.checkout(p.ID)
	if conn != nil {
		conn.raw.SetDeadline(deadline)
		if err := conn.client.Noop(); err != nil {
			conn.client.Close()
			conn = nil
		}
	}

	if conn == nil {
		var err error
		conn, err = s.dial(ctx, p, deadline)
		if err != nil {
			status, code := classifyConnErr(err)
			return &rotation.TransportResult{
				Status:         status,
				ResponseTimeMs: elapsedMs(start),
				ErrorCode:      code,
				ErrorMessage:   err.Error(),
			}
		}
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), p.SMTP.Host)
	stage, err := s.transact(conn.client, msg, messageID)
	if err != nil {
		conn.client.Close()
		res := classifySMTPErr(stage, err)
		res.ResponseTimeMs = elapsedMs(start)
		s.log.Warn("smtp send failed",
			"provider", p.ID, "stage", stage, "error", err.Error())
		return res
	}

	s.checkin(p.ID, conn)
	return &rotation.TransportResult{
		Status:            rotation.StatusSuccess,
		ResponseTimeMs:    elapsedMs(start),
		ProviderMessageID: messageID,
	}
}

// checkout takes the parked connection for a provider, if any.
func (s *SMTPSender) checkout(providerID string) *smtpConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.idle[providerID]
	delete(s.idle, providerID)
	return conn
}

// checkin parks a healthy connection for reuse. If another send already
// parked one, the extra connection is closed.
func (s *SMTPSender) checkin(providerID string, conn *smtpConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, occupied := s.idle[providerID]; occupied {
		conn.client.Close()
		return
	}
	conn.raw.SetDeadline(time.Time{})
	s.idle[providerID] = conn
}

// Close shuts every parked connection, used on server shutdown.
func (s *SMTPSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.idle {
		conn.client.Quit()
		delete(s.idle, id)
	}
}

// dial opens a connection per the provider's encryption mode: "ssl" is
// implicit TLS from the first byte, "tls" upgrades via STARTTLS, "none"
// stays plaintext.
func (s *SMTPSender) dial(ctx context.Context, p *rotation.Provider, deadline time.Time) (*smtpConn, error) {
	creds := p.SMTP
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	dialer := &net.Dialer{}

	var raw net.Conn
	var err error
	if creds.Encryption == rotation.EncryptionSSL {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: creds.Host}}
		raw, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	raw.SetDeadline(deadline)

	client, err := smtp.NewClient(raw, creds.Host)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("smtp handshake %s: %w", addr, err)
	}

	if creds.Encryption == rotation.EncryptionTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: creds.Host}); err != nil {
				client.Close()
				return nil, fmt.Errorf("smtp starttls %s: %w", addr, err)
			}
		}
	}

	if creds.Username != "" && creds.Password != "" {
		if err := client.Auth(&smtpPlainAuth{user: creds.Username, pass: creds.Password}); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth %s: %w", addr, err)
		}
	}

	return &smtpConn{client: client, raw: raw}, nil
}

// transact runs the MAIL/RCPT/DATA sequence and reports the stage that
// failed, which drives permanent-vs-transient classification.
func (s *SMTPSender) transact(client *smtp.Client, msg *rotation.Message, messageID string) (string, error) {
	if err := client.Mail(msg.FromEmail); err != nil {
		return "mail", err
	}
	if err := client.Rcpt(msg.Recipient); err != nil {
		return "rcpt", err
	}
	w, err := client.Data()
	if err != nil {
		return "data", err
	}
	if _, err := w.Write(buildMIME(msg, messageID)); err != nil {
		return "data", err
	}
	if err := w.Close(); err != nil {
		return "data", err
	}
	return "", nil
}

// buildMIME assembles a multipart/alternative message body.
func buildMIME(msg *rotation.Message, messageID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s <%s>\r\n", msg.FromName, msg.FromEmail))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.Recipient))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	for k, v := range msg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))

	if msg.TextBody != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.TextBody)
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString(msg.HTMLBody)
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes()
}

// classifyConnErr maps dial/handshake failures: deadline overruns are
// timeouts, everything else is a transient failure.
func classifyConnErr(err error) (rotation.Status, string) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rotation.StatusTimeout, "connect_timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return rotation.StatusTimeout, "connect_timeout"
	}
	return rotation.StatusFailed, "connect_error"
}

// classifySMTPErr maps transaction errors: 4xx replies are deferred, 5xx
// are failed. A 5xx on MAIL or RCPT condemns the message itself (bad
// sender/recipient), not the provider, so it is permanent.
func classifySMTPErr(stage string, err error) *rotation.TransportResult {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := fmt.Sprintf("smtp_%d", tpErr.Code)
		switch {
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return &rotation.TransportResult{
				Status:       rotation.StatusDeferred,
				ErrorCode:    code,
				ErrorMessage: tpErr.Msg,
			}
		case tpErr.Code >= 500:
			return &rotation.TransportResult{
				Status:       rotation.StatusFailed,
				ErrorCode:    code,
				ErrorMessage: tpErr.Msg,
				Permanent:    stage == "mail" || stage == "rcpt",
			}
		}
	}

	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return &rotation.TransportResult{
			Status:       rotation.StatusTimeout,
			ErrorCode:    "io_timeout",
			ErrorMessage: err.Error(),
		}
	}

	return &rotation.TransportResult{
		Status:       rotation.StatusFailed,
		ErrorCode:    "smtp_error",
		ErrorMessage: err.Error(),
	}
}

// smtpPlainAuth is PLAIN auth without stdlib's TLS requirement; SMTP
// relays on private networks often run plaintext submission ports.
type smtpPlainAuth struct {
	user, pass string
}

func (a *smtpPlainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *smtpPlainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
