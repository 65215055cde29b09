// usage_recorder.go defers usage-count writes off the validation hot path.
// Increments are aggregated in memory and flushed as batched updates, so a
// burst of validations costs one UPDATE per token instead of one per
// request. Losing increments (queue overflow, crash before flush) skews
// analytics only; it is counted, never blocked on.
package tokens

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/safego"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
)

// UsageStore is the flush target. Satisfied by *repositories.TokenRepository.
type UsageStore interface {
	AddUsage(ctx context.Context, counts map[string]int64) error
}

// UsageRecorder aggregates token usage increments and flushes them in the
// background.
type UsageRecorder struct {
	store         UsageStore
	logger        *slog.Logger
	ch            chan string
	flushInterval time.Duration
	flushSize     int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewUsageRecorder starts the recorder's drain goroutine.
func NewUsageRecorder(store UsageStore, queueSize, flushSize int, flushInterval time.Duration, logger *slog.Logger) *UsageRecorder {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if flushSize <= 0 {
		flushSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &UsageRecorder{
		store:         store,
		logger:        logger,
		ch:            make(chan string, queueSize),
		flushInterval: flushInterval,
		flushSize:     flushSize,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	safego.Go(r.drain)
	return r
}

// Record notes one validation for the token. Never blocks: when the queue is
// full the increment is dropped and counted.
func (r *UsageRecorder) Record(tokenID string) {
	select {
	case r.ch <- tokenID:
	default:
		telemetry.UsageUpdatesDroppedTotal.Inc()
	}
}

// Close flushes pending increments and stops the drain goroutine.
func (r *UsageRecorder) Close() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *UsageRecorder) drain() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	pending := make(map[string]int64)
	total := 0

	flush := func() {
		if total == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.store.AddUsage(ctx, pending); err != nil {
			r.logger.Warn("failed to flush usage counts", "tokens", len(pending), "error", err)
		}
		cancel()
		pending = make(map[string]int64)
		total = 0
	}

	for {
		select {
		case id := <-r.ch:
			pending[id]++
			total++
			if total >= r.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			// Drain whatever made it into the queue before stopping.
			for {
				select {
				case id := <-r.ch:
					pending[id]++
					total++
				default:
					flush()
					return
				}
			}
		}
	}
}
