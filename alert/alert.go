// Package alert escalates failures that need an operator, chiefly refunds
// that could not be executed after the user was charged.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
)

// LogAlerter writes alerts to the log at error level
type LogAlerter struct {
	log logrus.FieldLogger
}

// NewLogAlerter creates an alerter writing to log
func NewLogAlerter(log logrus.FieldLogger) *LogAlerter {
	return &LogAlerter{log: log}
}

// Alert logs the alert with its details as fields
func (a *LogAlerter) Alert(_ context.Context, alert settlement.Alert) error {
	fields := logrus.Fields{
		"alert":          true,
		"severity":       alert.Severity,
		"reference_code": alert.ReferenceCode,
	}
	for k, v := range alert.Details {
		fields["detail_"+k] = v
	}
	a.log.WithFields(fields).Error(alert.Message)
	return nil
}

// WebhookConfig configures the webhook alerter
type WebhookConfig struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration

	// MaxRetries bounds delivery attempts after the first (default 3)
	MaxRetries uint64

	// Fallback records every alert before delivery (default: a LogAlerter)
	Fallback settlement.Alerter
}

// WebhookAlerter posts alerts as JSON and always logs them, so an alert
// survives an unreachable webhook
type WebhookAlerter struct {
	url        string
	httpClient *http.Client
	maxRetries uint64
	interval   time.Duration
	fallback   settlement.Alerter
}

// NewWebhookAlerter creates a webhook alerter
func NewWebhookAlerter(cfg WebhookConfig, log logrus.FieldLogger) *WebhookAlerter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = NewLogAlerter(log)
	}
	return &WebhookAlerter{
		url:        cfg.URL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		interval:   500 * time.Millisecond,
		fallback:   fallback,
	}
}

// Alert records the alert through the fallback, then posts it to the
// webhook with retries. Failures of either channel are returned joined.
func (a *WebhookAlerter) Alert(ctx context.Context, alert settlement.Alert) error {
	var fallbackErr error
	if err := a.fallback.Alert(ctx, alert); err != nil {
		fallbackErr = fmt.Errorf("fallback alert: %w", err)
	}
	return errors.Join(fallbackErr, a.post(ctx, alert))
}

func (a *WebhookAlerter) post(ctx context.Context, alert settlement.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, a.maxRetries), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create alert request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("alert request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
		}
		return nil
	}, policy)
}

var (
	_ settlement.Alerter = (*LogAlerter)(nil)
	_ settlement.Alerter = (*WebhookAlerter)(nil)
)
