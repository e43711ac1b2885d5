// Package updaterepo maintains the plaintext update manifest auto-updater
// clients poll. One manifest per product line, regenerated synchronously on
// every install, seeded at startup with the stored latest version.
//
// Manifest format:
//
//	repository-version=1.0
//	app-version=<version name | NONE>
//	git-commit=<commit hash>
//	files=<name1>;<name2>;...
//
// Documentation and full-archive file kinds are excluded from the files list;
// they are not meant for unattended auto-update consumption.
package updaterepo

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cloudnetservice/updateserver/internal/versions"
)

// RepositoryVersion is the manifest protocol version understood by updater
// clients.
const RepositoryVersion = "1.0"

// Publisher holds the current manifest per product line.
type Publisher struct {
	mu        sync.RWMutex
	manifests map[string]string
}

// NewPublisher creates an empty publisher. Use Seed or InstallVersion to
// populate it.
func NewPublisher() *Publisher {
	return &Publisher{manifests: make(map[string]string)}
}

// Seed generates the manifest of every line from its stored latest version.
// Lines without any stored version get an empty manifest so the endpoint
// answers deterministically from the start.
func (p *Publisher) Seed(lines []string, latest func(line string) *versions.Version) {
	for _, line := range lines {
		p.InstallVersion(line, latest(line))
	}
}

// InstallVersion regenerates the manifest of one product line. A nil version
// publishes the empty manifest (app-version=NONE).
func (p *Publisher) InstallVersion(line string, v *versions.Version) {
	manifest := BuildManifest(v)

	p.mu.Lock()
	p.manifests[line] = manifest
	p.mu.Unlock()
}

// Manifest returns the current manifest for a product line. The second return
// is false for lines the publisher has never seen.
func (p *Publisher) Manifest(line string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	manifest, ok := p.manifests[line]
	return manifest, ok
}

// BuildManifest renders the manifest document for a version. Nil means the
// line has no installed version yet.
func BuildManifest(v *versions.Version) string {
	appVersion := "NONE"
	gitCommit := ""
	var files []string

	if v != nil {
		appVersion = v.Name
		gitCommit = v.CommitInfo.Hash
		for _, f := range v.Files {
			if f.FileType.ServableByUpdater() {
				files = append(files, f.Name)
			}
		}
	}

	return fmt.Sprintf("repository-version=%s\napp-version=%s\ngit-commit=%s\nfiles=%s",
		RepositoryVersion, appVersion, gitCommit, strings.Join(files, ";"))
}
