// keys.go implements StaticKeyResolver, which serves verification keys from
// PEM files on disk and hot-reloads them when the directory changes.
package assertion

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/auth-gateway/auth-gateway/internal/safego"
)

// StaticKeyResolver loads PKIX public keys from a directory of .pem files.
// The file name (without extension) is the key ID. With watching enabled
// the resolver reloads on filesystem changes, so operators can rotate the
// upstream signing key by dropping a new file without a restart.
type StaticKeyResolver struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	keys map[string]any
}

// NewStaticKeyResolver loads all keys from dir. When watch is true the
// directory is re-read on every create/write/remove event.
func NewStaticKeyResolver(dir string, watch bool, logger *slog.Logger) (*StaticKeyResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &StaticKeyResolver{
		dir:    dir,
		logger: logger,
		keys:   make(map[string]any),
	}

	if err := r.reload(); err != nil {
		return nil, err
	}
	if len(r.keys) == 0 {
		return nil, fmt.Errorf("no public keys found in %s", dir)
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create key watcher: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		r.watcher = watcher
		safego.Go(r.watch)
	}

	return r, nil
}

// ResolveKey implements KeyResolver. An empty kid resolves only when the
// directory holds exactly one key.
func (r *StaticKeyResolver) ResolveKey(kid string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kid == "" {
		if len(r.keys) == 1 {
			for _, key := range r.keys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("assertion has no key ID and %d keys are loaded", len(r.keys))
	}

	key, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return key, nil
}

// Close stops the directory watcher.
func (r *StaticKeyResolver) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *StaticKeyResolver) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Warn("failed to reload assertion keys", "dir", r.dir, "error", err)
				continue
			}
			r.logger.Info("reloaded assertion keys", "dir", r.dir, "count", r.count())
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("assertion key watcher error", "error", err)
		}
	}
}

// reload re-reads every .pem file in the directory. A reload that finds no
// valid keys is rejected so a botched rotation cannot empty the key set.
func (r *StaticKeyResolver) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read key directory: %w", err)
	}

	keys := make(map[string]any)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		key, err := loadPublicKey(path)
		if err != nil {
			r.logger.Warn("skipping unreadable public key", "file", path, "error", err)
			continue
		}

		kid := strings.TrimSuffix(entry.Name(), ".pem")
		keys[kid] = key
	}

	if len(keys) == 0 {
		return fmt.Errorf("no valid public keys in %s", r.dir)
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	return nil
}

func (r *StaticKeyResolver) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func loadPublicKey(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
