package notification

import (
	"bytes"
	"fmt"
	"net/smtp"
	"text/template"
	"time"

	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/pkg/config"
)

// Alert describes a streak of failed ETL cycles.
type Alert struct {
	Failures     int
	CycleID      string
	LastError    string
	FirstFailure time.Time
	At           time.Time
}

// EmailNotifier sends operator e-mails about failing ETL cycles
type EmailNotifier struct {
	config   *config.SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{config: cfg, sendMail: smtp.SendMail}
}

// Configured reports whether SMTP credentials are set.
func (e *EmailNotifier) Configured() bool {
	return e.config.Host != "" && e.config.Username != "" && e.config.Password != ""
}

var failingTemplate = template.Must(template.New("failing").Parse(`
ETL Cycles Failing
==================

Consecutive failed cycles: {{.Failures}}
Failing since: {{.FirstFailure.UTC.Format "2006-01-02 15:04:05 MST"}}
Last cycle: {{.CycleID}}
Last error: {{.LastError}}

The warehouse load has not completed since the first failure. Source
positions are not advanced while cycles fail, so nothing is lost; the
backlog is loaded on the first successful cycle.

---
Weather Warehouse ETL
`))

var recoveredTemplate = template.Must(template.New("recovered").Parse(`
ETL Cycles Recovered
====================

Cycle {{.CycleID}} completed at {{.At.UTC.Format "2006-01-02 15:04:05 MST"}}
after {{.Failures}} consecutive failures.

---
Weather Warehouse ETL
`))

// CyclesFailing sends the failure alert.
func (e *EmailNotifier) CyclesFailing(alert Alert) error {
	subject := fmt.Sprintf("ETL FAILING - %d consecutive cycles", alert.Failures)
	return e.send(subject, failingTemplate, alert)
}

// CyclesRecovered sends the recovery notice.
func (e *EmailNotifier) CyclesRecovered(alert Alert) error {
	subject := fmt.Sprintf("ETL RECOVERED - after %d failed cycles", alert.Failures)
	return e.send(subject, recoveredTemplate, alert)
}

func (e *EmailNotifier) send(subject string, tmpl *template.Template, alert Alert) error {
	var body bytes.Buffer
	if err := tmpl.Execute(&body, alert); err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	// Skip sending if SMTP is not configured
	if !e.Configured() {
		logger.Warnf("SMTP not configured, skipping email: %s\n%s", subject, body.String())
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", alert.At.Format(time.RFC1123Z))
	message += "\r\n"
	message += body.String()

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.sendMail(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	logger.Infof("Email sent: %s", subject)
	return nil
}

// TestConnection dials the SMTP server.
func (e *EmailNotifier) TestConnection() error {
	if !e.Configured() {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()
	return nil
}
