// SPDX-License-Identifier: LGPL-3.0-or-later

package notify

import (
	"bytes"
	"fmt"
	"net/smtp"
	"text/template"

	"backupvault/logger"
	"backupvault/orchestrator"
)

// EmailConfig holds SMTP delivery settings. No third-party mail library
// appears anywhere in the dependency set this module draws on, so this is
// the one stage built directly on net/smtp.
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromAddress  string
	ToAddresses  []string
	AuthMethod   string // "plain", "login", "crammd5", or "" for none
}

// MailNotifier sends run-outcome emails over SMTP.
type MailNotifier struct {
	config *EmailConfig
	log    logger.Logger
}

// NewMailNotifier builds a notifier. A nil config or empty ToAddresses
// makes every Send call log that email is not configured and return nil
// without sending.
func NewMailNotifier(config *EmailConfig, log logger.Logger) *MailNotifier {
	return &MailNotifier{config: config, log: log}
}

// SendRunResult emails the terminal outcome of a run.
func (n *MailNotifier) SendRunResult(result orchestrator.RunResult) error {
	if n.config == nil || len(n.config.ToAddresses) == 0 {
		n.log.Info("email notifications not configured, skipping")
		return nil
	}

	subject := fmt.Sprintf("[backupvault] run %s: %s", result.RunID, result.Outcome)
	body := n.renderRunTemplate(result)
	return n.sendEmail(subject, body)
}

// SendArchivePassword emails a run's one-time archive password out of band.
// It is the only place the password is transmitted outside process memory;
// callers must not log it alongside this call.
func (n *MailNotifier) SendArchivePassword(runID, password string) error {
	if n.config == nil || len(n.config.ToAddresses) == 0 {
		n.log.Info("email notifications not configured, skipping archive password delivery")
		return nil
	}

	subject := fmt.Sprintf("[backupvault] one-time archive password for run %s", runID)
	body := fmt.Sprintf(
		"<p>One-time archive password for run <b>%s</b>:</p><pre>%s</pre>"+
			"<p>This password is not stored anywhere; record it now to restore this run's archive later.</p>",
		runID, password)
	return n.sendEmail(subject, body)
}

func (n *MailNotifier) sendEmail(subject, body string) error {
	n.log.Info("sending email notification", "to", n.config.ToAddresses, "subject", subject)

	message := n.buildMessage(subject, body)

	var auth smtp.Auth
	switch n.config.AuthMethod {
	case "login":
		auth = &loginAuth{n.config.SMTPUsername, n.config.SMTPPassword}
	case "crammd5":
		auth = smtp.CRAMMD5Auth(n.config.SMTPUsername, n.config.SMTPPassword)
	case "plain":
		auth = smtp.PlainAuth("", n.config.SMTPUsername, n.config.SMTPPassword, n.config.SMTPHost)
	default:
		auth = nil
	}

	addr := fmt.Sprintf("%s:%d", n.config.SMTPHost, n.config.SMTPPort)
	if err := smtp.SendMail(addr, auth, n.config.FromAddress, n.config.ToAddresses, []byte(message)); err != nil {
		n.log.Error("failed to send email", "error", err)
		return fmt.Errorf("send email: %w", err)
	}

	n.log.Info("email sent successfully")
	return nil
}

func (n *MailNotifier) buildMessage(subject, body string) string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", n.config.FromAddress))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", n.config.ToAddresses[0]))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.String()
}

const runResultTemplate = `
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Backup run {{.RunID}}: {{.Outcome}}</h2>
  <table cellpadding="4">
    <tr><td><b>Started</b></td><td>{{.StartedAt.Format "2006-01-02 15:04:05"}}</td></tr>
    <tr><td><b>Finished</b></td><td>{{.FinishedAt.Format "2006-01-02 15:04:05"}}</td></tr>
    <tr><td><b>Duration</b></td><td>{{.Duration}}</td></tr>
  </table>
  <h3>Destinations</h3>
  <table cellpadding="4" border="1" style="border-collapse: collapse;">
    <tr><th>Kind</th><th>Copied</th><th>Failed</th><th>Bytes</th><th>Status</th></tr>
    {{range .Destinations}}
    <tr>
      <td>{{.Kind}}</td>
      <td>{{.FilesCopied}}</td>
      <td>{{.FilesFailed}}</td>
      <td>{{FormatBytes .BytesCopied}}</td>
      <td>{{if .Failed}}failed: {{.FailReason}}{{else}}ok{{end}}</td>
    </tr>
    {{end}}
  </table>
</body>
</html>
`

func (n *MailNotifier) renderRunTemplate(result orchestrator.RunResult) string {
	funcMap := template.FuncMap{"FormatBytes": formatBytes}

	tmpl, err := template.New("run").Funcs(funcMap).Parse(runResultTemplate)
	if err != nil {
		n.log.Error("failed to parse email template", "error", err)
		return "backup run " + result.RunID + ": " + string(result.Outcome)
	}

	view := struct {
		orchestrator.RunResult
		Duration string
	}{
		RunResult: result,
		Duration:  result.FinishedAt.Sub(result.StartedAt).String(),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		n.log.Error("failed to execute email template", "error", err)
		return "backup run " + result.RunID + ": " + string(result.Outcome)
	}
	return buf.String()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for v := b / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// loginAuth implements the (non-standard, widely deployed) SMTP LOGIN
// mechanism, which net/smtp does not provide directly.
type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch string(fromServer) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unknown server challenge")
	}
}
