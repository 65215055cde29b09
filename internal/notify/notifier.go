// Package notify delivers operational alerts — expiry warnings and rotation
// outcomes — through pluggable transports. A notification carries a token ID
// and human-readable text only; the new secret from a rotation is never
// routed through this interface, so a compromised mail server or webhook
// endpoint cannot harvest credentials.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/auth-gateway/auth-gateway/internal/config"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the payload accepted by every transport.
type Notification struct {
	Severity Severity `json:"severity"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	TokenID  string   `json:"token_id,omitempty"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to several transports. Delivery is
// best-effort per transport: one failing channel does not stop the others.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFromConfig builds the transport fan-out from configuration. With
// notifications disabled (or no channels configured) it returns a Multi
// that only writes log lines, so callers never need a nil check.
func NewFromConfig(cfg config.NotificationsConfig, logger *slog.Logger) (*Multi, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}

	if !cfg.Enabled {
		m.notifiers = []Notifier{NewLogNotifier(logger)}
		return m, nil
	}

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []string{"log"}
	}

	for _, ch := range channels {
		switch strings.ToLower(ch) {
		case "log":
			m.notifiers = append(m.notifiers, NewLogNotifier(logger))
		case "smtp":
			if cfg.SMTP.Host == "" {
				return nil, fmt.Errorf("smtp channel enabled but smtp.host is not set")
			}
			m.notifiers = append(m.notifiers, NewSMTPNotifier(cfg.SMTP))
		case "webhook":
			if cfg.Webhook.URL == "" {
				return nil, fmt.Errorf("webhook channel enabled but webhook.url is not set")
			}
			m.notifiers = append(m.notifiers, NewWebhookNotifier(cfg.Webhook))
		default:
			return nil, fmt.Errorf("unknown notification channel: %s", ch)
		}
	}

	return m, nil
}

// Notify delivers to every transport, returning the last error.
func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			lastErr = err
			m.logger.Warn("notification delivery failed",
				"subject", n.Subject, "error", err)
		}
	}
	return lastErr
}
