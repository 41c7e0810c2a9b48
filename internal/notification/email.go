package notification

import (
	"bytes"
	"errors"
	"fmt"
	"net/smtp"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/protocol"
	"github.com/smukkama/sensor-proxy/pkg/config"
)

var ErrUnknownType = errors.New("unknown notification type")

var thresholdExceededTemplate = template.Must(template.New("threshold").Parse(`
Temperature Threshold Exceeded
==============================

Sensor: {{.DevAddr}}
Group: {{if .GroupName}}{{.GroupName}} ({{.GroupID}}){{else}}{{.GroupID}}{{end}}
Reading: {{.Value}}
Threshold: {{.Threshold}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Event ID: {{.EventID}}

The sensor {{.DevAddr}} reported {{.Value}}, which is above the
threshold of {{.Threshold}} configured for its group.

---
Sensor Proxy Notification System
`))

// sendFunc matches smtp.SendMail
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends email notifications
type EmailNotifier struct {
	config *config.SMTPConfig
	logger *zap.Logger
	send   sendFunc
	now    func() time.Time
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		config: cfg,
		logger: logger,
		send:   smtp.SendMail,
		now:    time.Now,
	}
}

// SendEventNotification sends an email for one recorded event
func (e *EmailNotifier) SendEventNotification(n *protocol.EventNotification) error {
	if n.Type != protocol.EventTypeThresholdExceeded {
		return fmt.Errorf("%w: %s", ErrUnknownType, n.Type)
	}

	subject := fmt.Sprintf("Temperature threshold exceeded - %s", n.DevAddr)
	body, err := Render(n)
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return e.sendEmail(subject, body)
}

// Render returns the plain-text email body for n.
func Render(n *protocol.EventNotification) (string, error) {
	var buf bytes.Buffer
	if err := thresholdExceededTemplate.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Configured reports whether SMTP credentials are set
func (e *EmailNotifier) Configured() bool {
	return e.config.Username != "" && e.config.Password != ""
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if !e.Configured() {
		e.logger.Info("SMTP not configured, skipping email",
			zap.String("subject", subject),
			zap.String("body", body),
		)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", e.now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("email sent", zap.String("subject", subject), zap.String("to", e.config.To))
	return nil
}

// TestConnection tests the SMTP connection
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	e.logger.Info("SMTP connection test successful", zap.String("addr", addr))
	return nil
}
