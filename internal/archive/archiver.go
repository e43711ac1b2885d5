// Package archive turns an upstream release into a populated on-disk version
// tree and a Version record. Binary artifacts go to
// <base>/versions/<line>/<version>/, extracted documentation to
// <base>/docs/<line>/<version>/. The archiver only touches the filesystem;
// persisting the returned Version is the caller's job, so archiving and
// persistence stay independently testable and retryable.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudnetservice/updateserver/internal/ci"
	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/releases"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// InstallError reports that a release install could not start or complete.
type InstallError struct {
	Line   string
	Reason string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install for line %s failed: %s", e.Line, e.Reason)
}

// Archiver downloads and archives the artifacts of one product line.
type Archiver struct {
	line     *config.ProductLine
	source   releases.Source
	loader   ci.Loader
	basePath string
	// DownloadClient has a long timeout; release artifacts can be large.
	DownloadClient *http.Client
}

// NewArchiver creates an archiver for one product line.
func NewArchiver(basePath string, line *config.ProductLine, source releases.Source, loader ci.Loader) *Archiver {
	return &Archiver{
		line:     line,
		source:   source,
		loader:   loader,
		basePath: basePath,
		DownloadClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// InstallLatestRelease resolves the newest published release upstream and
// installs it.
func (a *Archiver) InstallLatestRelease(ctx context.Context) (*versions.Version, error) {
	rel, err := a.source.LatestRelease(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve latest release for %s: %w", a.line.Name, err)
	}
	if rel == nil {
		return nil, &InstallError{Line: a.line.Name, Reason: "upstream has no published release"}
	}
	return a.InstallRelease(ctx, rel)
}

// InstallRelease installs a known release descriptor. This is the idempotent
// re-entry point for webhook-delivered published events: the event already
// carries the release, so no redundant upstream query is made.
func (a *Archiver) InstallRelease(ctx context.Context, rel *releases.Release) (*versions.Version, error) {
	versionName := strings.TrimPrefix(rel.TagName, "v")
	if err := validatePathSegment(versionName); err != nil {
		return nil, &InstallError{Line: a.line.Name, Reason: err.Error()}
	}

	files, err := a.loader.LoadVersionFiles(ctx)
	if err != nil {
		return nil, err
	}

	versionDir := filepath.Join(a.basePath, "versions", a.line.Name, versionName)
	if err := resetDir(versionDir); err != nil {
		return nil, err
	}

	archived := make([]versions.VersionFile, 0, len(files))
	for _, file := range files {
		if err := validatePathSegment(file.Name); err != nil {
			return nil, &InstallError{Line: a.line.Name, Reason: err.Error()}
		}
		if file.FileType == versions.FileTypeJavaDocs {
			if err := a.archiveDocs(ctx, file, versionName); err != nil {
				return nil, err
			}
			file.DownloadURL = ""
			file.Checksum = ""
			archived = append(archived, file)
			continue
		}

		checksum, err := a.downloadToFile(ctx, file.DownloadURL, filepath.Join(versionDir, file.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to archive %s of %s/%s: %w",
				file.Name, a.line.Name, versionName, err)
		}
		file.DownloadURL = "" // served from the local archive from now on
		file.Checksum = checksum
		archived = append(archived, file)
	}

	// Commit lookup runs last so a metadata failure never leaves a partial
	// archive behind. An unresolvable ref just yields empty commit info.
	commitInfo := versions.CommitInfo{}
	if commit, err := a.source.FetchCommit(ctx, rel.TagName); err == nil && commit != nil {
		commitInfo = versions.CommitInfo{
			Hash:      commit.Hash,
			Author:    commit.Author,
			Committer: commit.Committer,
			Message:   commit.Message,
			URL:       commit.URL,
		}
	}

	releaseDate := rel.PublishedAt
	if releaseDate.IsZero() {
		releaseDate = time.Now().UTC()
	}

	return &versions.Version{
		Name:         versionName,
		CommitInfo:   commitInfo,
		ReleaseDate:  releaseDate,
		Files:        archived,
		FileMappings: a.line.FileMappings,
		Properties:   map[string]string{},
	}, nil
}

// archiveDocs downloads a documentation zip to a temp file and extracts it
// under docs/<line>/<version>/. Extraction aborts entirely on any entry that
// escapes the destination.
func (a *Archiver) archiveDocs(ctx context.Context, file versions.VersionFile, versionName string) error {
	docsDir := filepath.Join(a.basePath, "docs", a.line.Name, versionName)
	if err := resetDir(docsDir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "docs-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create temp file for docs: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := a.download(ctx, file.DownloadURL, tmp); err != nil {
		return fmt.Errorf("failed to download docs archive %s: %w", file.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush docs archive: %w", err)
	}

	if err := SecureUnzip(tmp.Name(), docsDir); err != nil {
		return err
	}
	return nil
}

// downloadToFile streams url into path and returns the SHA-256 of the bytes
// written.
func (a *Archiver) downloadToFile(ctx context.Context, url, path string) (string, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	checksum, err := a.download(ctx, url, out)
	if err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return checksum, nil
}

// download streams url into w, hashing the bytes as they pass through.
func (a *Archiver) download(ctx context.Context, url string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := a.DownloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact download returned %d", resp.StatusCode)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, hasher), resp.Body); err != nil {
		return "", fmt.Errorf("failed to stream artifact: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// resetDir deletes dir and recreates it empty, so re-installs of the same
// version never leave stale files behind.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// validatePathSegment rejects names that could change the archive layout when
// joined into a path.
func validatePathSegment(name string) error {
	if name == "" {
		return fmt.Errorf("empty path segment")
	}
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) {
		return fmt.Errorf("absolute path not allowed: %s", name)
	}
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed: %s", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("path separators not allowed in name: %s", name)
	}
	return nil
}
