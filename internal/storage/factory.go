// factory.go maps mirror backend names (s3, local) to constructor functions
// and dispatches NewMirror calls.
package storage

import (
	"fmt"

	"github.com/cloudnetservice/updateserver/internal/config"
)

// FactoryFunc creates a mirror backend from the mirror configuration.
type FactoryFunc func(*config.MirrorConfig) (Mirror, error)

var factories = make(map[string]FactoryFunc)

// Register registers a mirror backend factory.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewMirror creates the mirror backend named by the configuration.
func NewMirror(cfg *config.MirrorConfig) (Mirror, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported mirror backend: %s (must be 's3' or 'local')", cfg.Backend)
	}

	return factory(cfg)
}
