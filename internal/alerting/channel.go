// Package alerting delivers rendered alert messages over external providers.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Kind names a delivery channel. It doubles as the address key on responders.
type Kind string

const (
	KindSMS      Kind = "sms"
	KindTelegram Kind = "telegram"
	KindEmail    Kind = "email"
	KindSlack    Kind = "slack"
)

// ParseKind validates a channel name.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindSMS, KindTelegram, KindEmail, KindSlack:
		return k, nil
	default:
		return "", fmt.Errorf("unknown channel %q", name)
	}
}

const defaultTimeout = 10 * time.Second

// ErrNotConfigured is returned by Send on a channel without credentials.
var ErrNotConfigured = errors.New("channel not configured")

// Message is a rendered notification.
type Message struct {
	Title string
	Body  string

	AlertID   string
	OutcomeID string
	Test      bool
}

// Text joins title and body for providers without a subject field.
func (m Message) Text() string {
	if m.Title == "" {
		return m.Body
	}
	return m.Title + "\n" + m.Body
}

// Receipt is what a provider returned for an accepted message.
type Receipt struct {
	ProviderRef string
	// Delivered is set when the provider confirmed delivery synchronously.
	Delivered bool
}

// Channel sends a message to one recipient address.
type Channel interface {
	Kind() Kind
	Configured() bool
	Send(ctx context.Context, address string, msg Message) (Receipt, error)
}

// Configured returns the channels that carry credentials.
func Configured(channels ...Channel) []Channel {
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch != nil && ch.Configured() {
			out = append(out, ch)
		}
	}
	return out
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// statusError reads a bounded piece of a failed response body into the error.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return fmt.Errorf("%s returned status %d", provider, resp.StatusCode)
	}
	return fmt.Errorf("%s returned status %d: %s", provider, resp.StatusCode, detail)
}
