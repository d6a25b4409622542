package monitor

import (
	"fmt"
	"net/smtp"
	"sort"
	"strings"
)

// EmailConfig holds SMTP settings for alert mail
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailChannel mails alerts over SMTP
type EmailChannel struct {
	config   EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an SMTP notification channel
func NewEmailChannel(config EmailConfig) (*EmailChannel, error) {
	if config.Host == "" || config.From == "" || len(config.Recipients) == 0 {
		return nil, fmt.Errorf("email channel needs a host, sender and at least one recipient")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config, sendMail: smtp.SendMail}, nil
}

// Send implements NotificationChannel
func (c *EmailChannel) Send(alert *Alert) error {
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.sendMail(addr, auth, c.config.From, c.config.Recipients, c.format(alert)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (c *EmailChannel) format(alert *Alert) []byte {
	var body strings.Builder
	fmt.Fprintf(&body, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&body, "Type: %s\r\nSeverity: %s\r\n", alert.Type, alert.Severity)
	if alert.WorkerID != "" {
		fmt.Fprintf(&body, "Worker: %s\r\n", alert.WorkerID)
	}
	fmt.Fprintf(&body, "Raised: %s\r\n", alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	keys := make([]string, 0, len(alert.Data))
	for k := range alert.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %v\r\n", k, alert.Data[k])
	}

	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: [%s] %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		c.config.From,
		strings.Join(c.config.Recipients, ", "),
		strings.ToUpper(string(alert.Severity)),
		alert.Message,
		body.String()))
}
