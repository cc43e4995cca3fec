package propagation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Webhook request headers.
const (
	SignatureHeader = "X-Rotator-Signature"
	TimestampHeader = "X-Rotator-Timestamp"
)

// RetryConfig holds retry configuration for webhooks.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int

	// InitialWait doubles after each failed attempt.
	InitialWait time.Duration
}

// WebhookConfig holds configuration for the webhook updater.
type WebhookConfig struct {
	// URL is the webhook endpoint URL.
	URL string

	// Secret signs each body with HMAC-SHA256. Unsigned when empty.
	Secret string

	// Headers are additional HTTP headers to include.
	Headers map[string]string

	// Timeout for each HTTP request.
	Timeout time.Duration

	Retry RetryConfig
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookPayload is the request body.
type webhookPayload struct {
	SecretID  string            `json:"secretId"`
	Fields    map[string]string `json:"fields"`
	Timestamp time.Time         `json:"timestamp"`
}

// Webhook POSTs the pending fields to an endpoint that reconfigures the
// consumer.
type Webhook struct {
	config WebhookConfig
	client HTTPClient
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWebhook creates a webhook updater.
func NewWebhook(config WebhookConfig) (*Webhook, error) {
	parsed, err := url.Parse(config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %s", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.InitialWait <= 0 {
		config.Retry.InitialWait = time.Second
	}
	return &Webhook{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// SetClient sets a custom HTTP client (for testing).
func (w *Webhook) SetClient(client HTTPClient) {
	w.client = client
}

// Name returns "webhook".
func (w *Webhook) Name() string {
	return "webhook"
}

// UpdateConfiguration implements rotation.ConfigUpdater.
func (w *Webhook) UpdateConfiguration(ctx context.Context, secretID string, fields map[string]string) error {
	now := w.now().UTC()
	body, err := json.Marshal(webhookPayload{SecretID: secretID, Fields: fields, Timestamp: now})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook request: %w", err)
	}

	var lastErr error
	wait := w.config.Retry.InitialWait
	for attempt := 1; attempt <= w.config.Retry.MaxAttempts; attempt++ {
		retry, err := w.send(ctx, body, now)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.config.Retry.MaxAttempts {
			break
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
		wait *= 2
	}
	return fmt.Errorf("webhook failed: %w", lastErr)
}

// send performs one request and reports whether a failure is worth retrying.
func (w *Webhook) send(ctx context.Context, body []byte, ts time.Time) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "daylight-rotator/1.0")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}
	if w.config.Secret != "" {
		stamp := strconv.FormatInt(ts.Unix(), 10)
		req.Header.Set(TimestampHeader, stamp)
		req.Header.Set(SignatureHeader, "sha256="+Sign([]byte(w.config.Secret), stamp, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under key. Receivers
// recompute it to authenticate the request.
func Sign(key []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
