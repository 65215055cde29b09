// archive.go implements the archive shipper: long-term retention of the
// audit stream as NDJSON batches in an object store. Postgres answers "what
// happened last month"; the archive answers "what happened in November two
// years ago" without keeping the events table unbounded.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auth-gateway/auth-gateway/internal/archive"
	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/internal/crypto"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/safego"
	"github.com/auth-gateway/auth-gateway/pkg/checksum"
)

// ArchiveShipper batches events and writes them as NDJSON objects to an
// archive store, laid out by date so retention sweeps delete whole days:
//
//	<prefix>/2026/08/30/auth-events-20260830T141500Z-4f2a91c3.ndjson
//
// Payloads are optionally sealed with AES-256-GCM before upload; encrypted
// batches carry an .enc suffix.
type ArchiveShipper struct {
	store  archive.Store
	cfg    *config.ArchiveConfig
	cipher *crypto.BatchCipher

	batch     []*models.AuthEvent
	batchMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewArchiveShipper builds the archive shipper and its backing store from
// configuration.
func NewArchiveShipper(cfg *config.ArchiveConfig) (*ArchiveShipper, error) {
	store, err := archive.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive store: %w", err)
	}

	var cipher *crypto.BatchCipher
	if cfg.EncryptionPassphrase != "" {
		cipher, err = crypto.DeriveBatchCipher(cfg.EncryptionPassphrase, []byte(cfg.EncryptionSalt), 0)
		if err != nil {
			return nil, fmt.Errorf("failed to derive archive cipher: %w", err)
		}
	}

	as := &ArchiveShipper{
		store:   store,
		cfg:     cfg,
		cipher:  cipher,
		closeCh: make(chan struct{}),
		now:     time.Now,
	}

	safego.Go(as.run)

	return as, nil
}

func (as *ArchiveShipper) run() {
	flushInterval := as.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			as.flush()
			as.sweepRetention()
		case <-as.closeCh:
			as.flush()
			return
		}
	}
}

// Ship appends an event to the pending batch, cutting a new archive object
// when the batch is full.
func (as *ArchiveShipper) Ship(ctx context.Context, event *models.AuthEvent) error {
	batchSize := as.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}

	as.batchMu.Lock()
	as.batch = append(as.batch, event)
	full := len(as.batch) >= batchSize
	as.batchMu.Unlock()

	if full {
		as.flush()
	}
	return nil
}

// flush writes the pending batch as one object. Failures are logged and the
// batch is dropped; the events are still in Postgres, so a lost batch costs
// archive completeness, not the audit record.
func (as *ArchiveShipper) flush() {
	as.batchMu.Lock()
	if len(as.batch) == 0 {
		as.batchMu.Unlock()
		return
	}
	events := as.batch
	as.batch = nil
	as.batchMu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			slog.Error("failed to encode archive batch", "error", err)
			return
		}
	}

	payload := buf.Bytes()
	suffix := ".ndjson"
	if as.cipher != nil {
		sealed, err := as.cipher.Seal(payload)
		if err != nil {
			slog.Error("failed to encrypt archive batch", "error", err)
			return
		}
		payload = sealed
		suffix = ".ndjson.enc"
	}

	ts := as.now().UTC()
	key := path.Join(as.cfg.Prefix, ts.Format("2006/01/02"),
		fmt.Sprintf("auth-events-%s-%s%s", ts.Format("20060102T150405Z"), shortID(), suffix))

	want := checksum.SHA256Bytes(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := as.store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		slog.Warn("failed to write archive batch", "key", key, "events", len(events), "error", err)
		return
	}
	if res.Checksum != want {
		slog.Warn("archive batch checksum mismatch", "key", key, "want", want, "got", res.Checksum)
	}
}

// sweepRetention deletes batches older than the configured retention. The
// date is part of every key, so age is decided without fetching metadata.
func (as *ArchiveShipper) sweepRetention() {
	if as.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := as.now().UTC().AddDate(0, 0, -as.cfg.RetentionDays)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	keys, err := as.store.List(ctx, as.cfg.Prefix, 0)
	if err != nil {
		slog.Warn("archive retention sweep failed to list", "error", err)
		return
	}

	for _, key := range keys {
		day, ok := as.batchDay(key)
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := as.store.Delete(ctx, key); err != nil {
			slog.Warn("archive retention sweep failed to delete", "key", key, "error", err)
		}
	}
}

// batchDay extracts the YYYY/MM/DD segment from a batch key.
func (as *ArchiveShipper) batchDay(key string) (time.Time, bool) {
	rest := key
	if as.cfg.Prefix != "" {
		rest = strings.TrimPrefix(rest, as.cfg.Prefix)
		rest = strings.TrimPrefix(rest, "/")
	}
	if len(rest) < len("2006/01/02") {
		return time.Time{}, false
	}
	day, err := time.Parse("2006/01/02", rest[:len("2006/01/02")])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Close flushes any pending batch and stops the shipper.
func (as *ArchiveShipper) Close() error {
	as.closeOnce.Do(func() { close(as.closeCh) })
	as.flush()
	return nil
}

func shortID() string {
	return uuid.New().String()[:8]
}
