package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// SlackConfig configures a Slack-compatible incoming webhook.
type SlackConfig struct {
	// WebhookURL receives a JSON {"channel", "text"} POST per message.
	WebhookURL string

	// Timeout bounds each HTTP attempt. Default: 5s.
	Timeout time.Duration

	// MaxRetries bounds retries of 429 and 5xx responses. Default: 3.
	MaxRetries uint64

	// RatePerSecond throttles posts. Default: 1, Slack's webhook limit.
	RatePerSecond float64

	// Client overrides the HTTP client. Tests only.
	Client *http.Client
}

// Slack posts notifications to an incoming webhook.
//
// Thread Safety: Safe for concurrent use.
type Slack struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	initial    time.Duration
}

// NewSlack validates cfg and returns a notifier.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("slack: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Slack{
		url:        cfg.WebhookURL,
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		maxRetries: cfg.MaxRetries,
		initial:    500 * time.Millisecond,
	}, nil
}

type slackPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("slack webhook returned %d: %s", e.StatusCode, e.Body)
}

// Notify posts message to channel. 429 and 5xx responses are retried with
// exponential backoff; other non-2xx responses fail immediately.
func (s *Slack) Notify(ctx context.Context, channel, message string) error {
	body, err := json.Marshal(slackPayload{Channel: channel, Text: message})
	if err != nil {
		return fmt.Errorf("slack: encode payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)

	return backoff.Retry(func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return s.post(ctx, body)
	}, policy)
}

func (s *Slack) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("slack: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(text))}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}
