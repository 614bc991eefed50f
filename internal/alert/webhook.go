package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// Webhook returns a Handler that posts matching alerts to cfg.URL.
// Alerts filtered out by severity or action are skipped without error.
func Webhook(cfg WebhookConfig) Handler {
	return func(ctx context.Context, a Alert) error {
		if !cfg.matches(a) {
			return nil
		}
		return Send(ctx, cfg, a)
	}
}

// Send posts an alert to a webhook endpoint with retry on 5xx and
// transport errors. 4xx responses are not retried.
func Send(ctx context.Context, cfg WebhookConfig, a Alert) error {
	body, err := FormatPayload(cfg.Format, a)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * backoffUnit):
			case <-ctx.Done():
				return fmt.Errorf("webhook cancelled after %d attempts: %w", attempt, ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// backoffUnit is a variable so tests can shorten retries.
var backoffUnit = time.Second
