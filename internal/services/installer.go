// Package services implements higher-level business logic that coordinates
// across multiple subsystems. The release installer, for example, orchestrates
// archiving the CI artifacts of a release, registering the version in the
// store, regenerating the update manifest, announcing the release, and
// mirroring the archived files, a multi-step operation that spans several
// domain boundaries.
package services

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudnetservice/updateserver/internal/archive"
	"github.com/cloudnetservice/updateserver/internal/ci"
	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/notify"
	"github.com/cloudnetservice/updateserver/internal/releases"
	"github.com/cloudnetservice/updateserver/internal/safego"
	"github.com/cloudnetservice/updateserver/internal/stats"
	"github.com/cloudnetservice/updateserver/internal/storage"
	"github.com/cloudnetservice/updateserver/internal/telemetry"
	"github.com/cloudnetservice/updateserver/internal/updaterepo"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// LineProperties persists runtime bookkeeping on a product line so it
// survives restarts. Implemented by config.Manager, which writes the values
// back into the config file.
type LineProperties interface {
	SetLineProperty(line, key, value string) error
}

// lineInstaller bundles the per-line collaborators plus a mutex so installs
// for the same product line never interleave. Installs for different lines
// run concurrently.
type lineInstaller struct {
	mu       sync.Mutex
	line     *config.ProductLine
	source   releases.Source
	archiver *archive.Archiver
}

// ReleaseInstaller runs the complete install pipeline for a release: archive
// the artifacts, register the version, regenerate the update manifest,
// announce the release, and replicate the files to the mirror.
type ReleaseInstaller struct {
	basePath   string
	store      *versions.Store
	updateRepo *updaterepo.Publisher
	notifier   notify.Publisher
	collector  *stats.Collector
	mirror     storage.Mirror // nil when mirroring is disabled
	lineProps  LineProperties // nil when line bookkeeping is not persisted

	lines map[string]*lineInstaller
}

// NewReleaseInstaller wires one installer per configured product line. mirror
// and lineProps may be nil.
func NewReleaseInstaller(
	cfg *config.Config,
	store *versions.Store,
	updateRepo *updaterepo.Publisher,
	notifier notify.Publisher,
	collector *stats.Collector,
	mirror storage.Mirror,
	lineProps LineProperties,
) (*ReleaseInstaller, error) {
	lines := make(map[string]*lineInstaller, len(cfg.Lines))
	for i := range cfg.Lines {
		line := &cfg.Lines[i]

		source, err := releases.New(line.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to create release source for %s: %w", line.Name, err)
		}
		loader, err := ci.New(line.CI)
		if err != nil {
			return nil, fmt.Errorf("failed to create version file loader for %s: %w", line.Name, err)
		}

		lines[line.Name] = &lineInstaller{
			line:     line,
			source:   source,
			archiver: archive.NewArchiver(cfg.Archive.BasePath, line, source, loader),
		}
	}

	return &ReleaseInstaller{
		basePath:   cfg.Archive.BasePath,
		store:      store,
		updateRepo: updateRepo,
		notifier:   notifier,
		collector:  collector,
		mirror:     mirror,
		lineProps:  lineProps,
		lines:      lines,
	}, nil
}

// Source returns the release source of a product line, or nil for an unknown
// line. Used by the webhook handler to resolve tag references.
func (r *ReleaseInstaller) Source(line string) releases.Source {
	li, ok := r.lines[line]
	if !ok {
		return nil
	}
	return li.source
}

// InstallLatest resolves the newest published release of a line upstream and
// installs it.
func (r *ReleaseInstaller) InstallLatest(ctx context.Context, line string) (*versions.Version, error) {
	li, ok := r.lines[line]
	if !ok {
		return nil, fmt.Errorf("unknown product line: %s", line)
	}
	return r.install(ctx, li, func(ctx context.Context) (*versions.Version, error) {
		return li.archiver.InstallLatestRelease(ctx)
	})
}

// Install installs a known release descriptor, typically delivered by a
// webhook published event.
func (r *ReleaseInstaller) Install(ctx context.Context, line string, rel *releases.Release) (*versions.Version, error) {
	li, ok := r.lines[line]
	if !ok {
		return nil, fmt.Errorf("unknown product line: %s", line)
	}
	return r.install(ctx, li, func(ctx context.Context) (*versions.Version, error) {
		return li.archiver.InstallRelease(ctx, rel)
	})
}

func (r *ReleaseInstaller) install(ctx context.Context, li *lineInstaller, archiveFn func(context.Context) (*versions.Version, error)) (*versions.Version, error) {
	li.mu.Lock()
	defer li.mu.Unlock()

	line := li.line.Name
	start := time.Now()

	v, err := archiveFn(ctx)
	if err != nil {
		telemetry.InstallsTotal.WithLabelValues(line, "error").Inc()
		return nil, err
	}

	if err := r.store.RegisterVersion(ctx, line, v); err != nil {
		telemetry.InstallsTotal.WithLabelValues(line, "error").Inc()
		return nil, err
	}

	// The manifest always reflects the newest stored version, which is not
	// necessarily the one just installed (backfills of old releases).
	r.updateRepo.InstallVersion(line, r.store.GetLatestVersion(line))

	r.collector.EnsureLine(line)

	r.announce(ctx, line, v)
	r.mirrorVersion(line, v)

	telemetry.InstallsTotal.WithLabelValues(line, "ok").Inc()
	telemetry.InstallDuration.Observe(time.Since(start).Seconds())
	slog.Info("release installed", "line", line, "version", v.Name,
		"files", len(v.Files), "duration", time.Since(start))

	return v, nil
}

// announce publishes the release announcement and persists any bookkeeping
// properties it returns (e.g. the chat message id). Announcement failures are
// logged and never fail the install.
func (r *ReleaseInstaller) announce(ctx context.Context, line string, v *versions.Version) {
	props, err := r.notifier.Announce(ctx, line, v)
	if err != nil {
		slog.Error("failed to announce release", "line", line, "version", v.Name, "error", err)
		return
	}
	if len(props) == 0 {
		return
	}
	if err := r.store.UpdateProperties(ctx, line, v.Name, props); err != nil {
		slog.Error("failed to persist announcement properties",
			"line", line, "version", v.Name, "error", err)
	}

	if r.lineProps == nil {
		return
	}
	// The line keeps the bookkeeping of its most recent announcement too, so
	// it is available before the version cache is warm after a restart.
	for key, value := range props {
		if err := r.lineProps.SetLineProperty(line, key, value); err != nil {
			slog.Error("failed to persist line property",
				"line", line, "key", key, "error", err)
		}
	}
}

// AnnounceEdited re-publishes the announcement of a stored version after its
// upstream release was edited.
func (r *ReleaseInstaller) AnnounceEdited(ctx context.Context, line, name string) error {
	v := r.store.GetVersion(line, name)
	if v == nil {
		return fmt.Errorf("unknown version: %s/%s", line, name)
	}
	return r.notifier.Update(ctx, line, v)
}

// AnnounceDeleted withdraws the announcement of a stored version after its
// upstream release was deleted. The archived files and the stored version
// stay; deleting an upstream release must never delete served artifacts.
func (r *ReleaseInstaller) AnnounceDeleted(ctx context.Context, line, name string) error {
	v := r.store.GetVersion(line, name)
	if v == nil {
		return fmt.Errorf("unknown version: %s/%s", line, name)
	}
	return r.notifier.Delete(ctx, line, v)
}

// mirrorVersion replicates the archived files of a version to the mirror in
// the background. Mirror failures are logged; the local archive stays the
// authoritative copy.
func (r *ReleaseInstaller) mirrorVersion(line string, v *versions.Version) {
	if r.mirror == nil {
		return
	}

	versionDir := filepath.Join(r.basePath, "versions", line, v.Name)
	name := v.Name
	safego.Go(func() {
		ctx := context.Background()
		err := filepath.WalkDir(versionDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(versionDir, p)
			if err != nil {
				return err
			}

			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()

			key := path.Join("versions", line, name, filepath.ToSlash(rel))
			_, err = r.mirror.Upload(ctx, key, f)
			return err
		})
		if err != nil {
			slog.Error("failed to mirror version files", "line", line, "version", name, "error", err)
			return
		}
		slog.Info("version files mirrored", "line", line, "version", name)
	})
}
