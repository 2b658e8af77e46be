// Package classifier talks to the external ECG inference service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ecg-sentinel/internal/signal"
)

const (
	inferPath  = "/infer"
	healthPath = "/health"
)

// Options parameterise the inference client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client scores sample windows with the remote model.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// New constructs a client. An empty BaseURL yields an unconfigured client
// whose Classify always returns signal.ErrClassifierUnavailable.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "classifier").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Configured reports whether a service URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type inferRequest struct {
	Signal       []float64 `json:"signal"`
	SamplingRate int       `json:"sampling_rate"`
}

// Classify posts the window to /infer.
func (c *Client) Classify(ctx context.Context, w signal.SampleWindow) (signal.Prediction, error) {
	if !c.Configured() {
		return signal.Prediction{}, signal.ErrClassifierUnavailable
	}
	if len(w.Samples) == 0 {
		return signal.Prediction{}, errors.New("empty window")
	}

	rate := int(math.Round(w.SamplingRate))
	if rate <= 0 {
		rate = signal.DefaultSamplingRate
	}
	body, err := json.Marshal(inferRequest{Signal: w.Samples, SamplingRate: rate})
	if err != nil {
		return signal.Prediction{}, fmt.Errorf("marshal infer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+inferPath, bytes.NewReader(body))
	if err != nil {
		return signal.Prediction{}, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	payload, status, err := c.do(req)
	if err != nil {
		return signal.Prediction{}, err
	}
	if status == http.StatusServiceUnavailable {
		return signal.Prediction{}, fmt.Errorf("%w: %v", signal.ErrClassifierUnavailable, parseHTTPError(status, payload))
	}
	if status != http.StatusOK {
		return signal.Prediction{}, parseHTTPError(status, payload)
	}

	var pred signal.Prediction
	if err := json.Unmarshal(payload, &pred); err != nil {
		return signal.Prediction{}, fmt.Errorf("decode infer response: %w", err)
	}
	if pred.Label == "" {
		return signal.Prediction{}, errors.New("infer response missing predicted_label")
	}
	c.logger.Debug().Str("label", pred.Label).Int("samples", len(w.Samples)).Msg("window classified")
	return pred, nil
}

// Health is the service's self report.
type Health struct {
	OK    bool   `json:"ok"`
	Model string `json:"model"`
}

// Health queries /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	if !c.Configured() {
		return Health{}, signal.ErrClassifierUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return Health{}, err
	}
	c.setHeaders(req)

	payload, status, err := c.do(req)
	if err != nil {
		return Health{}, err
	}
	if status != http.StatusOK {
		return Health{}, parseHTTPError(status, payload)
	}
	var h Health
	if err := json.Unmarshal(payload, &h); err != nil {
		return Health{}, fmt.Errorf("decode health response: %w", err)
	}
	return h, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ecg-sentinel/1.0")
	}
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read classifier response: %w", err)
	}
	return payload, resp.StatusCode, nil
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Detail != "" {
		return fmt.Errorf("classifier error (%d): %s", status, apiErr.Detail)
	}
	if len(payload) > 0 {
		return fmt.Errorf("classifier error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("classifier error (%d)", status)
}

var _ signal.Classifier = (*Client)(nil)
