package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func TestFileShipper_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fs, err := NewFileShipper(&config.AuditFileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}

	events := []*models.AuthEvent{
		{ID: "evt-1", Actor: "ci-deploy", EventType: models.EventTokenValidated, Success: true},
		{ID: "evt-2", Actor: "alice@example.com", EventType: models.EventLogin, Success: false},
	}
	for _, e := range events {
		if err := fs.Ship(context.Background(), e); err != nil {
			t.Fatalf("Ship: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var decoded models.AuthEvent
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Errorf("line %d is not valid JSON: %v", lines, err)
		}
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestFileShipper_RotatesAtMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fs, err := NewFileShipper(&config.AuditFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	t.Cleanup(func() { fs.Close() })

	// Rotation triggers when the file already exceeds the cap, so force it.
	if err := os.WriteFile(path, make([]byte, 2*1024*1024), 0600); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	// Reopen so the shipper's handle sees the inflated file.
	fs.Close()
	fs, err = NewFileShipper(&config.AuditFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}

	if err := fs.Ship(context.Background(), &models.AuthEvent{ID: "evt-1"}); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated backup %s.1: %v", path, err)
	}
}

func TestNewFileShipper_BadPath(t *testing.T) {
	if _, err := NewFileShipper(&config.AuditFileConfig{Path: "/nonexistent-dir/audit.log"}); err == nil {
		t.Error("expected error for unwritable path")
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

type webhookCapture struct {
	mu     sync.Mutex
	bodies [][]byte
	status int
}

func (c *webhookCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body) //nolint:errcheck
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		if c.status != 0 {
			w.WriteHeader(c.status)
		}
	}
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookShipper_DirectSend(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	t.Cleanup(srv.Close)

	ws, err := NewWebhookShipper(&config.AuditWebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Audit-Source": "auth-gateway"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if err := ws.Ship(context.Background(), &models.AuthEvent{ID: "evt-1", Actor: "ci-deploy"}); err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if capture.count() != 1 {
		t.Errorf("requests = %d, want 1", capture.count())
	}
}

func TestWebhookShipper_ErrorStatus(t *testing.T) {
	capture := &webhookCapture{status: http.StatusBadGateway}
	srv := httptest.NewServer(capture.handler())
	t.Cleanup(srv.Close)

	ws, err := NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if err := ws.Ship(context.Background(), &models.AuthEvent{ID: "evt-1"}); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestWebhookShipper_BatchedSend(t *testing.T) {
	capture := &webhookCapture{}
	srv := httptest.NewServer(capture.handler())
	t.Cleanup(srv.Close)

	ws, err := NewWebhookShipper(&config.AuditWebhookConfig{
		URL:           srv.URL,
		BatchSize:     2,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := ws.Ship(context.Background(), &models.AuthEvent{ID: "evt"}); err != nil {
			t.Fatalf("Ship: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if capture.count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if capture.count() != 1 {
		t.Errorf("batched requests = %d, want 1", capture.count())
	}
	ws.Close()
}

func TestNewWebhookShipper_RequiresURL(t *testing.T) {
	if _, err := NewWebhookShipper(&config.AuditWebhookConfig{}); err == nil {
		t.Error("expected error for missing URL")
	}
}

// ---------------------------------------------------------------------------
// MultiShipper
// ---------------------------------------------------------------------------

func TestNewMultiShipper_NoneEnabled(t *testing.T) {
	ms, err := NewMultiShipper([]config.AuditShipperConfig{
		{Enabled: false, Type: "file"},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	if ms != nil {
		t.Error("expected nil MultiShipper when nothing is enabled")
	}
}

func TestNewMultiShipper_UnknownType(t *testing.T) {
	_, err := NewMultiShipper([]config.AuditShipperConfig{
		{Enabled: true, Type: "carrier-pigeon"},
	})
	if err == nil {
		t.Error("expected error for unknown shipper type")
	}
}

func TestMultiShipper_FanOut(t *testing.T) {
	dir := t.TempDir()
	ms, err := NewMultiShipper([]config.AuditShipperConfig{
		{Enabled: true, Type: "file", File: &config.AuditFileConfig{Path: filepath.Join(dir, "a.log")}},
		{Enabled: true, Type: "file", File: &config.AuditFileConfig{Path: filepath.Join(dir, "b.log")}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	t.Cleanup(func() { ms.Close() })

	if err := ms.Ship(context.Background(), &models.AuthEvent{ID: "evt-1"}); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	for _, name := range []string{"a.log", "b.log"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || len(data) == 0 {
			t.Errorf("%s was not written: %v", name, err)
		}
	}
}
