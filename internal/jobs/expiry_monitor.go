// expiry_monitor.go implements the ExpiryMonitor background job, which
// periodically scans for service tokens approaching their absolute expiry
// and alerts the owner. Alert state is persisted per (token, threshold) in
// the expiry_alerts table so every threshold fires exactly once even across
// restarts. The monitor is strictly read-only with respect to the tokens
// themselves: expiry enforcement happens at validation time, never here.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/notify"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
)

// defaultThresholdDays is used when no thresholds are configured.
var defaultThresholdDays = []int{1, 7, 14, 30}

// ExpiringTokenSource finds active tokens whose expiry falls within the
// window.
type ExpiringTokenSource interface {
	FindExpiringWithin(ctx context.Context, window time.Duration) ([]*models.ServiceToken, error)
}

// AlertLedger records that an alert was sent for a (token, threshold) pair.
// MarkSent returns false when the pair was already recorded, which is the
// dedup signal.
type AlertLedger interface {
	MarkSent(ctx context.Context, tokenID string, thresholdDays int) (bool, error)
}

// ExpiryMonitor periodically alerts on tokens approaching expiry.
type ExpiryMonitor struct {
	source   ExpiringTokenSource
	ledger   AlertLedger
	events   EventRecorder
	notifier notify.Notifier
	logger   *slog.Logger

	enabled    bool
	interval   time.Duration
	thresholds []int // days, ascending
	stopChan   chan struct{}
	now        func() time.Time
}

// NewExpiryMonitor creates the monitor. Thresholds are normalised to
// ascending order; the notifier may be nil.
func NewExpiryMonitor(
	source ExpiringTokenSource,
	ledger AlertLedger,
	events EventRecorder,
	notifier notify.Notifier,
	cfg config.ExpiryConfig,
	logger *slog.Logger,
) *ExpiryMonitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	thresholds := append([]int(nil), cfg.ThresholdDays...)
	if len(thresholds) == 0 {
		thresholds = append(thresholds, defaultThresholdDays...)
	}
	sort.Ints(thresholds)
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryMonitor{
		source:     source,
		ledger:     ledger,
		events:     events,
		notifier:   notifier,
		logger:     logger,
		enabled:    cfg.Enabled,
		interval:   interval,
		thresholds: thresholds,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Start begins the background expiry-check loop. It runs an initial check
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (m *ExpiryMonitor) Start(ctx context.Context) {
	if !m.enabled {
		m.logger.Info("expiry monitor disabled")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("expiry monitor started",
		"interval", m.interval, "threshold_days", m.thresholds)

	m.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			m.runCheck(ctx)
		case <-m.stopChan:
			m.logger.Info("expiry monitor stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the background loop to exit.
func (m *ExpiryMonitor) Stop() {
	close(m.stopChan)
}

// runCheck finds tokens expiring within the widest threshold and alerts for
// the smallest threshold each token has crossed. A token 5 days from expiry
// with thresholds [1 7 14] alerts for the 7-day threshold; the 14-day alert
// (if not already sent) is subsumed rather than sent redundantly.
func (m *ExpiryMonitor) runCheck(ctx context.Context) {
	widest := time.Duration(m.thresholds[len(m.thresholds)-1]) * 24 * time.Hour

	expiring, err := m.source.FindExpiringWithin(ctx, widest)
	if err != nil {
		m.logger.Error("expiry monitor: query failed", "error", err)
		return
	}
	if len(expiring) == 0 {
		return
	}

	now := m.now()
	for _, token := range expiring {
		if token.ExpiresAt == nil {
			continue
		}
		threshold, ok := m.crossedThreshold(now, *token.ExpiresAt)
		if !ok {
			continue
		}
		m.alertOne(ctx, token, threshold)
	}
}

// crossedThreshold returns the smallest configured threshold the token's
// remaining lifetime fits inside.
func (m *ExpiryMonitor) crossedThreshold(now, expiresAt time.Time) (int, bool) {
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	for _, days := range m.thresholds {
		if remaining <= time.Duration(days)*24*time.Hour {
			return days, true
		}
	}
	return 0, false
}

// alertOne sends the alert for one crossed threshold. The dedup row is
// written before the notifier runs, making dispatch at-most-once: a failed
// notification is logged, not retried, because the remaining (smaller)
// thresholds will still fire and a notifier flap must not spam duplicate
// alerts for a threshold that was already announced. The audit event is the
// durable record either way.
func (m *ExpiryMonitor) alertOne(ctx context.Context, token *models.ServiceToken, thresholdDays int) {
	sent, err := m.ledger.MarkSent(ctx, token.ID, thresholdDays)
	if err != nil {
		m.logger.Error("expiry monitor: alert ledger write failed",
			"token", token.Name, "error", err)
		return
	}
	if !sent {
		// Already alerted for this threshold.
		return
	}

	telemetry.ExpiryAlertsSentTotal.Inc()
	m.events.Record(&models.AuthEvent{
		Actor:       token.Name,
		EventType:   models.EventExpiryAlert,
		Success:     true,
		ErrorDetail: models.ErrorDetail{"threshold_days": thresholdDays},
	})
	m.logger.Info("expiry alert sent",
		"token", token.Name, "threshold_days", thresholdDays,
		"expires_at", token.ExpiresAt.UTC())

	if m.notifier == nil {
		return
	}
	severity := notify.SeverityWarning
	if thresholdDays <= 1 {
		severity = notify.SeverityCritical
	}
	n := notify.Notification{
		Severity: severity,
		Subject:  fmt.Sprintf("Service token %q expires within %d day(s)", token.Name, thresholdDays),
		Body: fmt.Sprintf(
			"The service token %q expires at %s. Rotate or replace it before then "+
				"to avoid an authentication outage.",
			token.Name, token.ExpiresAt.UTC().Format(time.RFC1123)),
		TokenID: token.ID,
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("expiry notification failed", "token", token.Name, "error", err)
	}
}
