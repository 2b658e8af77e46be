package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramOptions configures the Telegram Bot API channel.
type TelegramOptions struct {
	BotToken string
	BaseURL  string
	Timeout  time.Duration
}

// Telegram sends messages through the Bot API sendMessage method. The
// recipient address is the chat id.
type Telegram struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram builds the Telegram channel.
func NewTelegram(opts TelegramOptions, logger zerolog.Logger) *Telegram {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		botToken: opts.BotToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   newHTTPClient(opts.Timeout),
		logger:   logger.With().Str("component", "channel_telegram").Logger(),
	}
}

func (t *Telegram) Kind() Kind { return KindTelegram }

func (t *Telegram) Configured() bool { return t.botToken != "" }

// Send posts the message to chatID.
func (t *Telegram) Send(ctx context.Context, chatID string, msg Message) (Receipt, error) {
	if !t.Configured() {
		return Receipt{}, ErrNotConfigured
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    msg.Text(),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, statusError("telegram", resp)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Receipt{}, fmt.Errorf("decode telegram response: %w", err)
	}
	if !result.OK {
		return Receipt{}, fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	ref := strconv.FormatInt(result.Result.MessageID, 10)
	t.logger.Info().Str("alert_id", msg.AlertID).Str("chat_id", chatID).Str("message_id", ref).Msg("telegram message sent")
	return Receipt{ProviderRef: ref, Delivered: true}, nil
}

var _ Channel = (*Telegram)(nil)
