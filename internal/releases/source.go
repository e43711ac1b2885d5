// Package releases fetches release and commit metadata from the upstream
// source hosting a product line (GitHub today). The release source tells the
// pipeline WHAT was released; the CI loader tells it which build artifacts
// belong to that release.
package releases

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudnetservice/updateserver/internal/config"
)

// Release is one published release of a product line.
type Release struct {
	TagName     string
	Name        string
	Body        string
	Draft       bool
	Prerelease  bool
	PublishedAt time.Time
}

// Commit identifies the source revision a release was built from.
type Commit struct {
	Hash      string
	Author    string
	Committer string
	Message   string
	URL       string
}

// Source fetches release metadata from one upstream repository.
type Source interface {
	// LatestRelease returns the newest published release, or nil when the
	// repository has none.
	LatestRelease(ctx context.Context) (*Release, error)

	// ReleaseByTag returns the release with the given tag, or nil when no such
	// release exists. Implementations should tolerate tag naming variants
	// (leading "v").
	ReleaseByTag(ctx context.Context, tag string) (*Release, error)

	// FetchCommit returns commit details for a ref (tag or SHA), or nil when
	// the ref cannot be resolved. Commit info enriches the stored version but
	// is never required for an install to succeed.
	FetchCommit(ctx context.Context, ref string) (*Commit, error)
}

// Factory creates a Source from its product line configuration.
type Factory func(cfg config.SourceConfig) (Source, error)

var factories = make(map[string]Factory)

// Register makes a source implementation available under the given kind.
// Called from init() in implementation files.
func Register(kind string, factory Factory) {
	factories[kind] = factory
}

// New creates the release source configured for a product line.
func New(cfg config.SourceConfig) (Source, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = "github"
	}
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown release source kind: %s", kind)
	}
	return factory(cfg)
}
