package notification

import (
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/weather-warehouse/pkg/config"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestNotifier(cfg config.SMTPConfig) (*EmailNotifier, *[]sentMail) {
	var sent []sentMail
	n := NewEmailNotifier(&cfg)
	n.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return n, &sent
}

var smtpConfig = config.SMTPConfig{
	Host:     "smtp.example.com",
	Port:     587,
	Username: "etl",
	Password: "secret",
	From:     "etl@example.com",
	To:       "ops@example.com",
}

func testAlert() Alert {
	first := time.Date(2025, 10, 18, 9, 55, 0, 0, time.UTC)
	return Alert{
		Failures:     5,
		CycleID:      "c-5",
		LastError:    "LOADING: warehouse unavailable",
		FirstFailure: first,
		At:           first.Add(5 * time.Minute),
	}
}

func TestCyclesFailing_SendsMail(t *testing.T) {
	n, sent := newTestNotifier(smtpConfig)

	require.NoError(t, n.CyclesFailing(testAlert()))

	require.Len(t, *sent, 1)
	mail := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, "etl@example.com", mail.from)
	assert.Equal(t, []string{"ops@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: ETL FAILING - 5 consecutive cycles\r\n")
	assert.Contains(t, mail.msg, "Failing since: 2025-10-18 09:55:00 UTC")
	assert.Contains(t, mail.msg, "Last error: LOADING: warehouse unavailable")
}

func TestCyclesRecovered_SendsMail(t *testing.T) {
	n, sent := newTestNotifier(smtpConfig)

	require.NoError(t, n.CyclesRecovered(testAlert()))

	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0].msg, "Subject: ETL RECOVERED - after 5 failed cycles")
	assert.Contains(t, (*sent)[0].msg, "Cycle c-5 completed at 2025-10-18 10:00:00 UTC")
}

func TestSend_SkipsWhenUnconfigured(t *testing.T) {
	n, sent := newTestNotifier(config.SMTPConfig{Host: "smtp.example.com", Port: 587})

	assert.False(t, n.Configured())
	require.NoError(t, n.CyclesFailing(testAlert()))
	assert.Empty(t, *sent)
	assert.Error(t, n.TestConnection())
}

func TestSend_WrapsSMTPError(t *testing.T) {
	n, _ := newTestNotifier(smtpConfig)
	refused := errors.New("connection refused")
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return refused }

	err := n.CyclesFailing(testAlert())

	assert.ErrorIs(t, err, refused)
}
