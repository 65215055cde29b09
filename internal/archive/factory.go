// factory.go implements the archive backend registry and factory, mapping
// backend type strings (local, s3, azure, gcs) to constructor functions and
// dispatching NewStore calls.
package archive

import (
	"fmt"

	"github.com/auth-gateway/auth-gateway/internal/config"
)

// FactoryFunc constructs an archive backend from configuration.
type FactoryFunc func(*config.ArchiveConfig) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers an archive backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStore creates an archive backend based on configuration
func NewStore(cfg *config.ArchiveConfig) (Store, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s (must be 'local', 'azure', 's3', or 'gcs')", cfg.Backend)
	}

	return factory(cfg)
}
