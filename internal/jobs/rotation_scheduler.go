// rotation_scheduler.go implements the RotationScheduler background job,
// which periodically rotates service tokens that have exceeded the age or
// usage policy. Each rotation opens a grace window so dependent clients can
// switch secrets without an outage. The whole cycle is skipped inside a
// configured blackout window, and a skipped cycle is itself recorded in the
// audit trail so an operator can tell "nothing needed rotation" apart from
// "rotation was fenced off".
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/notify"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
	"github.com/auth-gateway/auth-gateway/internal/tokens"
)

// schedulerActor is the actor recorded on events the scheduler emits about
// its own behaviour (as opposed to events about a specific token).
const schedulerActor = "rotation-scheduler"

// RotationCandidateSource finds tokens due for rotation under the policy.
type RotationCandidateSource interface {
	FindRotationCandidates(ctx context.Context, maxAge time.Duration, usageThreshold int64) ([]*models.ServiceToken, error)
}

// Rotator performs a single rotation; satisfied by *tokens.Manager.
type Rotator interface {
	Rotate(ctx context.Context, id string, withGrace bool) (*tokens.CreateResult, error)
}

// EventRecorder queues an audit event for asynchronous persistence.
type EventRecorder interface {
	Record(event *models.AuthEvent)
}

// RotationScheduler periodically rotates tokens that exceed the age or
// usage policy.
type RotationScheduler struct {
	candidates RotationCandidateSource
	rotator    Rotator
	policy     *tokens.RotationPolicy
	events     EventRecorder
	notifier   notify.Notifier
	logger     *slog.Logger

	enabled  bool
	interval time.Duration
	stopChan chan struct{}
	now      func() time.Time
}

// NewRotationScheduler creates the scheduler. The notifier may be nil when
// notifications are disabled.
func NewRotationScheduler(
	candidates RotationCandidateSource,
	rotator Rotator,
	policy *tokens.RotationPolicy,
	events EventRecorder,
	notifier notify.Notifier,
	cfg config.RotationConfig,
	logger *slog.Logger,
) *RotationScheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationScheduler{
		candidates: candidates,
		rotator:    rotator,
		policy:     policy,
		events:     events,
		notifier:   notifier,
		logger:     logger,
		enabled:    cfg.Enabled,
		interval:   interval,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Start begins the background rotation loop. It runs an initial cycle
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (s *RotationScheduler) Start(ctx context.Context) {
	if !s.enabled {
		s.logger.Info("rotation scheduler disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("rotation scheduler started",
		"interval", s.interval,
		"max_age", s.policy.MaxAge,
		"usage_threshold", s.policy.UsageThreshold)

	s.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.stopChan:
			s.logger.Info("rotation scheduler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *RotationScheduler) Stop() {
	close(s.stopChan)
}

// runCycle rotates every candidate, or skips entirely during a blackout.
// The cycle is re-entrant: the rotation itself is a single atomic store
// update, so a crash mid-cycle leaves each token either fully rotated or
// untouched, and the next cycle picks up where this one stopped.
func (s *RotationScheduler) runCycle(ctx context.Context) {
	now := s.now()
	if s.policy.InBlackout(now) {
		telemetry.RotationsSkippedTotal.Inc()
		s.events.Record(&models.AuthEvent{
			Actor:       schedulerActor,
			EventType:   models.EventRotationSkipped,
			Success:     true,
			ErrorDetail: models.ErrorDetail{"reason": "blackout_window"},
		})
		s.logger.Info("rotation cycle skipped, inside blackout window")
		return
	}

	candidates, err := s.candidates.FindRotationCandidates(ctx, s.policy.MaxAge, s.policy.UsageThreshold)
	if err != nil {
		s.logger.Error("rotation scheduler: candidate query failed", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	s.logger.Info("rotation cycle starting", "candidates", len(candidates))

	for _, token := range candidates {
		s.rotateOne(ctx, token)
	}
}

func (s *RotationScheduler) rotateOne(ctx context.Context, token *models.ServiceToken) {
	res, err := s.rotator.Rotate(ctx, token.ID, true)
	if err != nil {
		if errors.Is(err, auth.ErrPolicyViolation) {
			// The clock crossed into a blackout mid-cycle.
			telemetry.RotationsSkippedTotal.Inc()
			s.events.Record(&models.AuthEvent{
				Actor:       token.Name,
				EventType:   models.EventRotationSkipped,
				Success:     true,
				ErrorDetail: models.ErrorDetail{"reason": "blackout_window"},
			})
			return
		}
		s.logger.Error("rotation failed", "token", token.Name, "error", err)
		s.events.Record(&models.AuthEvent{
			Actor:       token.Name,
			EventType:   models.EventTokenRotated,
			Success:     false,
			ErrorDetail: models.ErrorDetail{"reason": "rotation_failed"},
		})
		return
	}

	telemetry.TokensRotatedTotal.WithLabelValues("scheduled").Inc()
	s.events.Record(&models.AuthEvent{
		Actor:       token.Name,
		EventType:   models.EventTokenRotated,
		Success:     true,
		ErrorDetail: models.ErrorDetail{"trigger": "scheduled"},
	})
	s.logger.Info("token rotated", "token", token.Name, "token_id", token.ID)

	s.notifyRotation(ctx, token, res)
}

// notifyRotation tells the owner a rotation happened. The notification
// deliberately carries no credential material; the owner retrieves the new
// secret through the management API.
func (s *RotationScheduler) notifyRotation(ctx context.Context, token *models.ServiceToken, res *tokens.CreateResult) {
	if s.notifier == nil {
		return
	}

	grace := "no grace window"
	if res.Token != nil && res.Token.PreviousSecretExpiresAt != nil {
		grace = fmt.Sprintf("the previous secret remains valid until %s",
			res.Token.PreviousSecretExpiresAt.UTC().Format(time.RFC1123))
	}
	n := notify.Notification{
		Severity: notify.SeverityWarning,
		Subject:  fmt.Sprintf("Service token %q was rotated", token.Name),
		Body: fmt.Sprintf(
			"The service token %q was rotated automatically by policy; %s. "+
				"Update any client still using the old secret before the window closes.",
			token.Name, grace),
		TokenID: token.ID,
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("rotation notification failed", "token", token.Name, "error", err)
	}
}
