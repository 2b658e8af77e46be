package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SlackOptions configures the incoming-webhook channel.
type SlackOptions struct {
	WebhookURL string
	Timeout    time.Duration
}

// Slack posts to an incoming webhook. The recipient address is the channel
// the message is routed to.
type Slack struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlack builds the Slack channel.
func NewSlack(opts SlackOptions, logger zerolog.Logger) *Slack {
	return &Slack{
		webhookURL: opts.WebhookURL,
		client:     newHTTPClient(opts.Timeout),
		logger:     logger.With().Str("component", "channel_slack").Logger(),
	}
}

func (s *Slack) Kind() Kind { return KindSlack }

func (s *Slack) Configured() bool { return s.webhookURL != "" }

type slackPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Send posts msg to the webhook.
func (s *Slack) Send(ctx context.Context, channel string, msg Message) (Receipt, error) {
	if !s.Configured() {
		return Receipt{}, ErrNotConfigured
	}

	text := msg.Body
	if msg.Title != "" {
		text = "*" + msg.Title + "*\n" + msg.Body
	}
	body, err := json.Marshal(slackPayload{Channel: channel, Text: text})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Receipt{}, statusError("slack", resp)
	}

	s.logger.Info().Str("alert_id", msg.AlertID).Str("channel", channel).Msg("slack message posted")
	return Receipt{Delivered: true}, nil
}

var _ Channel = (*Slack)(nil)
