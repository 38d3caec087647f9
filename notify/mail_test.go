// SPDX-License-Identifier: LGPL-3.0-or-later

package notify

import (
	"strings"
	"testing"
	"time"

	"backupvault/logger"
	"backupvault/orchestrator"
)

func TestSendRunResultSkipsWhenUnconfigured(t *testing.T) {
	notifier := NewMailNotifier(nil, logger.New("error"))
	if err := notifier.SendRunResult(orchestrator.RunResult{RunID: "r1"}); err != nil {
		t.Errorf("expected nil error for unconfigured notifier, got %v", err)
	}
}

func TestSendRunResultSkipsWhenNoRecipients(t *testing.T) {
	notifier := NewMailNotifier(&EmailConfig{SMTPHost: "localhost", SMTPPort: 25}, logger.New("error"))
	if err := notifier.SendRunResult(orchestrator.RunResult{RunID: "r1"}); err != nil {
		t.Errorf("expected nil error with no recipients, got %v", err)
	}
}

func TestSendArchivePasswordSkipsWhenUnconfigured(t *testing.T) {
	notifier := NewMailNotifier(nil, logger.New("error"))
	if err := notifier.SendArchivePassword("r1", "secret"); err != nil {
		t.Errorf("expected nil error for unconfigured notifier, got %v", err)
	}
}

func TestRenderRunTemplateIncludesDestinations(t *testing.T) {
	notifier := NewMailNotifier(&EmailConfig{
		SMTPHost:    "localhost",
		SMTPPort:    25,
		FromAddress: "backupvault@example.com",
		ToAddresses: []string{"ops@example.com"},
	}, logger.New("error"))

	result := orchestrator.RunResult{
		RunID:      "20260729_120000",
		Outcome:    orchestrator.OutcomePartial,
		StartedAt:  time.Date(2026, 7, 29, 12, 0, 0, 0, time.Local),
		FinishedAt: time.Date(2026, 7, 29, 12, 5, 0, 0, time.Local),
		Destinations: []orchestrator.DestinationResult{
			{Kind: "local", FilesCopied: 10, BytesCopied: 2048},
			{Kind: "sftp", Failed: true, FailReason: "dial tcp: timeout"},
		},
	}

	body := notifier.renderRunTemplate(result)

	for _, want := range []string{"20260729_120000", "partial", "local", "sftp", "dial tcp: timeout"} {
		if !strings.Contains(body, want) {
			t.Errorf("rendered body missing %q:\n%s", want, body)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{500, "500 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, c := range cases {
		if got := formatBytes(c.in); got != c.want {
			t.Errorf("formatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
