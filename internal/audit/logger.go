// Package audit implements the asynchronous authentication-event pipeline.
// Events are queued in memory, drained by a background goroutine, and
// appended to the auth_events table in batches. The pipeline is best-effort
// by contract: a full queue drops the event and a failed batch is logged and
// counted, but the request that produced the event never waits and never
// fails. Audit rows are separate from application logs because they have
// different consumers and retention — app logs are ephemeral debug output,
// audit rows are compliance records queryable for years.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/safego"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
)

// EventStore is the persistence target. Satisfied by
// *repositories.EventRepository.
type EventStore interface {
	InsertBatch(ctx context.Context, events []*models.AuthEvent) error
}

// Logger is the async event pipeline. Record is safe for concurrent use and
// never blocks.
type Logger struct {
	store   EventStore
	shipper Shipper
	logger  *slog.Logger

	ch            chan *models.AuthEvent
	batchSize     int
	flushInterval time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Config bounds the pipeline.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// NewLogger starts the drain goroutine. shipper may be nil (no external
// destinations); events are still persisted to the store.
func NewLogger(store EventStore, shipper Shipper, cfg Config, logger *slog.Logger) *Logger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		store:         store,
		shipper:       shipper,
		logger:        logger,
		ch:            make(chan *models.AuthEvent, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	safego.Go(l.drain)
	return l
}

// Record queues an event for persistence. When the queue is full the event
// is dropped and counted; blocking the hot path on audit backpressure is
// the one thing this pipeline must never do.
func (l *Logger) Record(event *models.AuthEvent) {
	select {
	case l.ch <- event:
	default:
		telemetry.AuditEventsDroppedTotal.Inc()
		l.logger.Warn("audit queue full, dropping event",
			"event_type", event.EventType, "actor", event.Actor)
	}
}

// Close flushes queued events and stops the pipeline.
func (l *Logger) Close() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Logger) drain() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.AuthEvent, 0, l.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.store.InsertBatch(ctx, batch); err != nil {
			telemetry.AuditWriteFailuresTotal.Inc()
			l.logger.Error("failed to persist audit batch", "events", len(batch), "error", err)
		}
		cancel()

		if l.shipper != nil {
			for _, event := range batch {
				shipCtx, shipCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := l.shipper.Ship(shipCtx, event); err != nil {
					l.logger.Warn("audit shipper error", "error", err)
				}
				shipCancel()
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case event := <-l.ch:
			batch = append(batch, event)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			for {
				select {
				case event := <-l.ch:
					batch = append(batch, event)
					if len(batch) >= l.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
