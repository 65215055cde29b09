// jwks.go implements JWKSResolver, which fetches the upstream issuer's
// JSON Web Key Set over HTTPS and refreshes it periodically so issuer-side
// key rotation is picked up without a restart.
package assertion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/auth-gateway/auth-gateway/internal/safego"
)

const jwksMaxResponseBytes = 1 << 20

// JWKSResolver caches a remote JSON Web Key Set. A fetch failure keeps the
// previous key set: stale keys are strictly better than no keys, since the
// issuer keeps old keys published through its own rotation overlap.
type JWKSResolver struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once

	mu   sync.RWMutex
	keys *jose.JSONWebKeySet
}

// NewJWKSResolver fetches the key set once (failing fast on a bad URL or
// unreachable issuer at startup) and then refreshes every interval.
func NewJWKSResolver(ctx context.Context, url string, interval time.Duration, logger *slog.Logger) (*JWKSResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &JWKSResolver{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}

	if err := r.refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	if interval > 0 {
		safego.Go(r.refreshLoop)
	}
	return r, nil
}

// ResolveKey implements KeyResolver.
func (r *JWKSResolver) ResolveKey(kid string) (any, error) {
	r.mu.RLock()
	keys := r.keys
	r.mu.RUnlock()

	if kid == "" {
		if len(keys.Keys) == 1 {
			return keys.Keys[0].Key, nil
		}
		return nil, fmt.Errorf("assertion has no key ID and JWKS holds %d keys", len(keys.Keys))
	}

	matches := keys.Key(kid)
	if len(matches) == 0 {
		return nil, fmt.Errorf("key ID %q not in JWKS", kid)
	}
	return matches[0].Key, nil
}

// Close stops the background refresh loop.
func (r *JWKSResolver) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *JWKSResolver) refreshLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("JWKS refresh failed, keeping cached keys", "url", r.url, "error", err)
			}
			cancel()
		}
	}
}

func (r *JWKSResolver) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxResponseBytes))
	if err != nil {
		return err
	}

	keySet := &jose.JSONWebKeySet{}
	if err := json.Unmarshal(body, keySet); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}
	if len(keySet.Keys) == 0 {
		return fmt.Errorf("JWKS at %s is empty", r.url)
	}

	r.mu.Lock()
	r.keys = keySet
	r.mu.Unlock()
	return nil
}
