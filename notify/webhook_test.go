// SPDX-License-Identifier: LGPL-3.0-or-later

package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"backupvault/logger"
	"backupvault/orchestrator"
)

func TestWebhookIsSubscribed(t *testing.T) {
	tests := []struct {
		name     string
		webhook  Webhook
		event    string
		expected bool
	}{
		{"empty events subscribes to all", Webhook{Events: []string{}}, EventRunSucceeded, true},
		{"specific event match", Webhook{Events: []string{EventRunSucceeded, EventRunFailed}}, EventRunSucceeded, true},
		{"specific event no match", Webhook{Events: []string{EventRunSucceeded}}, EventRunFailed, false},
		{"wildcard subscribes to all", Webhook{Events: []string{"*"}}, EventRunFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.webhook.isSubscribed(tt.event); got != tt.expected {
				t.Errorf("isSubscribed() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNotifyRunResultDeliversToSubscriber(t *testing.T) {
	log := logger.New("error")

	var mu sync.Mutex
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		mu.Lock()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewWebhookManager([]Webhook{
		{URL: server.URL, Events: []string{EventRunSucceeded}, Enabled: true},
	}, log)

	manager.NotifyRunResult(orchestrator.RunResult{
		RunID:   "20260729_000000",
		Outcome: orchestrator.OutcomeSuccess,
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received.Event != EventRunSucceeded {
		t.Errorf("expected event %s, got %s", EventRunSucceeded, received.Event)
	}
	if received.RunID != "20260729_000000" {
		t.Errorf("expected run id 20260729_000000, got %s", received.RunID)
	}
}

func TestNotifyRunResultSkipsDisabledWebhook(t *testing.T) {
	log := logger.New("error")

	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewWebhookManager([]Webhook{
		{URL: server.URL, Events: []string{EventRunSucceeded}, Enabled: false},
	}, log)

	manager.NotifyRunResult(orchestrator.RunResult{RunID: "r1", Outcome: orchestrator.OutcomeSuccess})
	time.Sleep(100 * time.Millisecond)

	if callCount.Load() != 0 {
		t.Errorf("expected no calls for disabled webhook, got %d", callCount.Load())
	}
}

func TestNotifyRunResultRetriesUntilSuccess(t *testing.T) {
	log := logger.New("error")

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewWebhookManager([]Webhook{
		{URL: server.URL, Events: []string{"*"}, Enabled: true, Timeout: 5 * time.Second, Retry: 3},
	}, log)

	manager.NotifyRunResult(orchestrator.RunResult{RunID: "r2", Outcome: orchestrator.OutcomeFailed})
	time.Sleep(5 * time.Second)

	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts.Load())
	}
}

func TestNotifyArchivePasswordDeliversToSubscriber(t *testing.T) {
	log := logger.New("error")

	var mu sync.Mutex
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(body, &received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	manager := NewWebhookManager([]Webhook{
		{URL: server.URL, Events: []string{"*"}, Enabled: true},
	}, log)

	manager.NotifyArchivePassword("20260729_000000", "one-time-secret")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received.Event != EventArchivePassword {
		t.Errorf("expected event %s, got %s", EventArchivePassword, received.Event)
	}
	if received.Data["archive_password"] != "one-time-secret" {
		t.Errorf("expected archive_password in payload, got %v", received.Data["archive_password"])
	}
}

func TestNotifyRunResultOutcomeMapsToEvent(t *testing.T) {
	cases := []struct {
		outcome orchestrator.Outcome
		event   string
	}{
		{orchestrator.OutcomeSuccess, EventRunSucceeded},
		{orchestrator.OutcomePartial, EventRunPartial},
		{orchestrator.OutcomeFailed, EventRunFailed},
	}
	for _, c := range cases {
		if got := outcomeEvent(c.outcome); got != c.event {
			t.Errorf("outcomeEvent(%s) = %s, want %s", c.outcome, got, c.event)
		}
	}
}
