package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SMSOptions configures a Twilio-compatible messaging API.
type SMSOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	// CallbackBase, when set, is the public URL of this service. Providers
	// report delivery to {CallbackBase}/api/v1/outcomes/{outcome}/delivered.
	CallbackBase string
	Timeout      time.Duration
}

// SMS sends text messages. The recipient address is an E.164 phone number.
type SMS struct {
	opts   SMSOptions
	client *http.Client
	logger zerolog.Logger
}

// NewSMS builds the SMS channel.
func NewSMS(opts SMSOptions, logger zerolog.Logger) *SMS {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twilio.com"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.CallbackBase = strings.TrimRight(opts.CallbackBase, "/")
	return &SMS{
		opts:   opts,
		client: newHTTPClient(opts.Timeout),
		logger: logger.With().Str("component", "channel_sms").Logger(),
	}
}

func (s *SMS) Kind() Kind { return KindSMS }

func (s *SMS) Configured() bool {
	return s.opts.AccountSID != "" && s.opts.AuthToken != "" && s.opts.From != ""
}

// Send queues the message with the provider. Acceptance is not delivery; the
// receipt stays undelivered until the provider calls back.
func (s *SMS) Send(ctx context.Context, phone string, msg Message) (Receipt, error) {
	if !s.Configured() {
		return Receipt{}, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", s.opts.From)
	form.Set("Body", msg.Text())
	if s.opts.CallbackBase != "" && msg.OutcomeID != "" {
		form.Set("StatusCallback", fmt.Sprintf("%s/api/v1/outcomes/%s/delivered", s.opts.CallbackBase, msg.OutcomeID))
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.opts.BaseURL, url.PathEscape(s.opts.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.opts.AccountSID, s.opts.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send sms request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, statusError("sms provider", resp)
	}

	var result struct {
		SID          string `json:"sid"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Receipt{}, fmt.Errorf("decode sms response: %w", err)
	}
	if result.Status == "failed" || result.Status == "undelivered" {
		return Receipt{ProviderRef: result.SID}, fmt.Errorf("sms %s: %s", result.Status, result.ErrorMessage)
	}

	s.logger.Info().Str("alert_id", msg.AlertID).Str("sid", result.SID).Str("status", result.Status).Msg("sms queued")
	return Receipt{ProviderRef: result.SID, Delivered: result.Status == "delivered"}, nil
}

var _ Channel = (*SMS)(nil)
