// Package ci discovers the build artifacts belonging to the current CI build
// of a product line. A Loader answers one question: which files does the
// latest successful build produce, and where can they be downloaded.
package ci

import (
	"context"
	"fmt"

	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// Loader lists the artifacts of the latest successful CI build.
type Loader interface {
	// Name identifies the loader in errors and logs.
	Name() string

	// LoadVersionFiles returns the artifact list of the latest successful
	// build. It fails with a *LoadError when the job is absent or its last
	// build did not succeed; artifacts from a failed build must never be
	// archived.
	LoadVersionFiles(ctx context.Context) ([]versions.VersionFile, error)
}

// LoadError reports that a loader could not produce an artifact list. It
// carries the loader identity so operators can tell which CI integration
// failed for a line with several configured.
type LoadError struct {
	Loader string
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("version file loader %s: %s", e.Loader, e.Reason)
}

// Factory creates a Loader from its product line CI configuration.
type Factory func(cfg config.CIConfig) (Loader, error)

var factories = make(map[string]Factory)

// Register makes a loader implementation available under the given kind.
// Called from init() in implementation files.
func Register(kind string, factory Factory) {
	factories[kind] = factory
}

// New creates the loader configured for a product line.
func New(cfg config.CIConfig) (Loader, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = "jenkins"
	}
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown ci loader kind: %s", kind)
	}
	return factory(cfg)
}
