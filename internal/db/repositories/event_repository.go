// event_repository.go implements EventRepository for the append-only
// auth_events table. There is deliberately no update or delete method.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

// EventRepository handles authentication-event database operations
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

const insertEventQuery = `
	INSERT INTO auth_events (id, actor, event_type, success, source_ip, user_agent, endpoint, correlation_id, error_detail, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

// Insert appends a single authentication event.
func (r *EventRepository) Insert(ctx context.Context, event *models.AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, insertEventQuery,
		event.ID,
		event.Actor,
		event.EventType,
		event.Success,
		event.SourceIP,
		event.UserAgent,
		event.Endpoint,
		event.CorrelationID,
		event.ErrorDetail,
		event.CreatedAt,
	)
	return err
}

// InsertBatch appends a batch of events in one transaction so a partially
// written batch can never be observed.
func (r *EventRepository) InsertBatch(ctx context.Context, events []*models.AuthEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, event := range events {
		if event.ID == "" {
			event.ID = uuid.New().String()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, insertEventQuery,
			event.ID,
			event.Actor,
			event.EventType,
			event.Success,
			event.SourceIP,
			event.UserAgent,
			event.Endpoint,
			event.CorrelationID,
			event.ErrorDetail,
			event.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const eventColumns = `id, actor, event_type, success, source_ip, user_agent, endpoint, correlation_id, error_detail, created_at`

// ListByActor retrieves the most recent events for an actor (user identifier
// or service-token name), newest first.
func (r *EventRepository) ListByActor(ctx context.Context, actor string, limit int) ([]*models.AuthEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + eventColumns + `
		FROM auth_events
		WHERE actor = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	events := make([]*models.AuthEvent, 0)
	if err := r.db.SelectContext(ctx, &events, query, actor, limit); err != nil {
		return nil, err
	}
	return events, nil
}

// CountByType returns the number of events of a given type since the cutoff.
func (r *EventRepository) CountByType(ctx context.Context, eventType string, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM auth_events WHERE event_type = $1 AND created_at >= $2`

	var count int64
	if err := r.db.GetContext(ctx, &count, query, eventType, since); err != nil {
		return 0, err
	}
	return count, nil
}
