// alert_repository.go implements AlertRepository, the dedup state for the
// expiration monitor. One row per (token, threshold) pair; the conditional
// insert doubles as the "should we alert" decision so two monitor runs can
// never send the same alert twice.
package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// AlertRepository handles expiry-alert dedup records
type AlertRepository struct {
	db *sqlx.DB
}

// NewAlertRepository creates a new AlertRepository
func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// MarkSent records that an alert was dispatched for the token/threshold pair.
// Returns true if this call inserted the record (the caller should alert),
// false if an alert for the pair was already recorded.
func (r *AlertRepository) MarkSent(ctx context.Context, tokenID string, thresholdDays int) (bool, error) {
	query := `
		INSERT INTO expiry_alerts (token_id, threshold_days, sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (token_id, threshold_days) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query, tokenID, thresholdDays)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
