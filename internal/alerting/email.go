package alerting

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EmailOptions configures the SMTP relay.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Email relays plain-text mail over SMTP, upgrading with STARTTLS when the
// server offers it. The recipient address is a mailbox.
type Email struct {
	opts   EmailOptions
	logger zerolog.Logger
}

// NewEmail builds the email channel.
func NewEmail(opts EmailOptions, logger zerolog.Logger) *Email {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Email{
		opts:   opts,
		logger: logger.With().Str("component", "channel_email").Logger(),
	}
}

func (e *Email) Kind() Kind { return KindEmail }

func (e *Email) Configured() bool { return e.opts.Host != "" && e.opts.From != "" }

// Send delivers msg to the relay. The receipt carries the Message-ID.
func (e *Email) Send(ctx context.Context, to string, msg Message) (Receipt, error) {
	if !e.Configured() {
		return Receipt{}, ErrNotConfigured
	}

	addr := net.JoinHostPort(e.opts.Host, strconv.Itoa(e.opts.Port))
	dialer := net.Dialer{Timeout: e.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Receipt{}, fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	deadline := time.Now().Add(e.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, e.opts.Host)
	if err != nil {
		_ = conn.Close()
		return Receipt{}, fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.opts.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return Receipt{}, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.opts.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return Receipt{}, errors.New("smtp server does not offer AUTH")
		}
		if err := client.Auth(smtp.PlainAuth("", e.opts.Username, e.opts.Password, e.opts.Host)); err != nil {
			return Receipt{}, fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(e.opts.From); err != nil {
		return Receipt{}, fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return Receipt{}, fmt.Errorf("smtp RCPT TO: %w", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), e.opts.Host)
	w, err := client.Data()
	if err != nil {
		return Receipt{}, fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(e.compose(to, messageID, msg)); err != nil {
		_ = w.Close()
		return Receipt{}, fmt.Errorf("write smtp body: %w", err)
	}
	if err := w.Close(); err != nil {
		return Receipt{}, fmt.Errorf("smtp message rejected: %w", err)
	}
	_ = client.Quit()

	e.logger.Info().Str("alert_id", msg.AlertID).Str("to", to).Str("message_id", messageID).Msg("email relayed")
	return Receipt{ProviderRef: messageID}, nil
}

func (e *Email) compose(to, messageID string, msg Message) []byte {
	subject := msg.Title
	if subject == "" {
		subject = "ECG alert"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.opts.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

var _ Channel = (*Email)(nil)
