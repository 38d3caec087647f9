// SPDX-License-Identifier: LGPL-3.0-or-later

// Package notify delivers run outcomes to webhooks and email recipients.
// Both deliveries are best-effort: a notification failure is logged and
// never turns a completed run into a failed one.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"backupvault/logger"
	"backupvault/orchestrator"
)

// Event names a run lifecycle moment a webhook can subscribe to.
const (
	EventRunStarted       = "run.started"
	EventRunSucceeded     = "run.succeeded"
	EventRunPartial       = "run.partial"
	EventRunFailed        = "run.failed"
	EventArchivePassword  = "archive.password"
)

// Webhook is one subscriber endpoint.
type Webhook struct {
	URL     string
	Events  []string
	Headers map[string]string
	Timeout time.Duration
	Retry   int
	Enabled bool
}

// Payload is the JSON body posted to a webhook.
type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Outcome   string    `json:"outcome,omitempty"`
	Data      map[string]any `json:"data"`
}

// WebhookManager delivers run events to every enabled, subscribed Webhook.
type WebhookManager struct {
	webhooks []Webhook
	client   *http.Client
	log      logger.Logger
}

// NewWebhookManager builds a manager over the given subscriber list.
func NewWebhookManager(webhooks []Webhook, log logger.Logger) *WebhookManager {
	return &WebhookManager{
		webhooks: webhooks,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// NotifyRunResult sends the terminal outcome of a run to every subscriber.
func (m *WebhookManager) NotifyRunResult(result orchestrator.RunResult) {
	event := outcomeEvent(result.Outcome)
	m.send(event, Payload{
		Event:     event,
		Timestamp: time.Now(),
		RunID:     result.RunID,
		Outcome:   string(result.Outcome),
		Data:      runResultData(result),
	})
}

// NotifyEvent relays a single state-machine Event as it happens, so a
// subscriber can track progress rather than only the final outcome.
func (m *WebhookManager) NotifyEvent(e orchestrator.Event) {
	data := map[string]any{"stage": string(e.Stage), "message": e.Message}
	if e.Err != nil {
		data["error"] = e.Err.Error()
	}
	m.send(EventRunStarted, Payload{
		Event:     "run." + string(e.Stage),
		Timestamp: e.Time,
		RunID:     e.RunID,
		Data:      data,
	})
}

// NotifyArchivePassword delivers a run's one-time archive password to every
// subscriber, since the archive cannot be opened again without it. The
// password never appears in any other event's payload or in a log line.
func (m *WebhookManager) NotifyArchivePassword(runID, password string) {
	m.send(EventArchivePassword, Payload{
		Event:     EventArchivePassword,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      map[string]any{"archive_password": password},
	})
}

func outcomeEvent(o orchestrator.Outcome) string {
	switch o {
	case orchestrator.OutcomeSuccess:
		return EventRunSucceeded
	case orchestrator.OutcomePartial:
		return EventRunPartial
	default:
		return EventRunFailed
	}
}

func runResultData(result orchestrator.RunResult) map[string]any {
	destinations := make([]map[string]any, 0, len(result.Destinations))
	for _, d := range result.Destinations {
		destinations = append(destinations, map[string]any{
			"kind":          d.Kind,
			"files_copied":  d.FilesCopied,
			"files_failed":  d.FilesFailed,
			"bytes_copied":  d.BytesCopied,
			"failed":        d.Failed,
			"fail_reason":   d.FailReason,
		})
	}
	return map[string]any{
		"started_at":   result.StartedAt,
		"finished_at":  result.FinishedAt,
		"duration_s":   result.FinishedAt.Sub(result.StartedAt).Seconds(),
		"destinations": destinations,
	}
}

func (m *WebhookManager) send(event string, payload Payload) {
	for _, webhook := range m.webhooks {
		if !webhook.Enabled || !webhook.isSubscribed(event) {
			continue
		}
		go m.deliverWithRetry(webhook, payload)
	}
}

func (m *WebhookManager) deliverWithRetry(webhook Webhook, payload Payload) {
	maxRetries := webhook.Retry
	if maxRetries == 0 {
		maxRetries = 3
	}
	timeout := webhook.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			m.log.Info("retrying webhook delivery", "url", webhook.URL, "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
		}

		if err := m.deliverOnce(ctx, webhook, payload); err != nil {
			lastErr = err
			m.log.Warn("webhook delivery failed", "url", webhook.URL, "event", payload.Event, "attempt", attempt, "error", err)
			continue
		}

		m.log.Info("webhook delivered", "url", webhook.URL, "event", payload.Event)
		return
	}

	m.log.Error("webhook delivery failed after all retries", "url", webhook.URL, "event", payload.Event, "error", lastErr)
}

func (m *WebhookManager) deliverOnce(ctx context.Context, webhook Webhook, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "backupvault-webhook/1.0")
	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (w *Webhook) isSubscribed(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
