package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the application log. Always available;
// the fallback channel when nothing else is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	attrs := []any{"subject", n.Subject, "body", n.Body}
	if n.TokenID != "" {
		attrs = append(attrs, "token_id", n.TokenID)
	}

	switch n.Severity {
	case SeverityCritical:
		l.logger.Error("notification", attrs...)
	case SeverityWarning:
		l.logger.Warn("notification", attrs...)
	default:
		l.logger.Info("notification", attrs...)
	}
	return nil
}
