package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudnetservice/updateserver/internal/archive"
	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/db/models"
	"github.com/cloudnetservice/updateserver/internal/notify"
	"github.com/cloudnetservice/updateserver/internal/releases"
	"github.com/cloudnetservice/updateserver/internal/stats"
	"github.com/cloudnetservice/updateserver/internal/storage"
	"github.com/cloudnetservice/updateserver/internal/updaterepo"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeVersionRepo is an in-memory versions.Repository.
type fakeVersionRepo struct {
	mu   sync.Mutex
	rows map[string]*models.VersionRow // keyed by line/name
}

func newFakeVersionRepo() *fakeVersionRepo {
	return &fakeVersionRepo{rows: make(map[string]*models.VersionRow)}
}

func (f *fakeVersionRepo) Replace(_ context.Context, row *models.VersionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.ParentName+"/"+row.Name] = row
	return nil
}

func (f *fakeVersionRepo) UpdatePayload(_ context.Context, row *models.VersionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.ParentName + "/" + row.Name
	stored, ok := f.rows[key]
	if !ok {
		return errors.New("version not found")
	}
	stored.Payload = row.Payload
	return nil
}

func (f *fakeVersionRepo) ListAll(_ context.Context) ([]*models.VersionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.VersionRow, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out, nil
}

// fakeSource serves canned releases.
type fakeSource struct {
	latest *releases.Release
	commit *releases.Commit
}

func (f *fakeSource) LatestRelease(context.Context) (*releases.Release, error) {
	return f.latest, nil
}

func (f *fakeSource) ReleaseByTag(_ context.Context, tag string) (*releases.Release, error) {
	if f.latest != nil && strings.TrimPrefix(f.latest.TagName, "v") == strings.TrimPrefix(tag, "v") {
		return f.latest, nil
	}
	return nil, nil
}

func (f *fakeSource) FetchCommit(context.Context, string) (*releases.Commit, error) {
	return f.commit, nil
}

// fakeLoader returns a fixed artifact list.
type fakeLoader struct {
	files []versions.VersionFile
}

func (f *fakeLoader) Name() string { return "fake" }

func (f *fakeLoader) LoadVersionFiles(context.Context) ([]versions.VersionFile, error) {
	return f.files, nil
}

// recordingNotifier records lifecycle calls and hands out announcement props.
type recordingNotifier struct {
	mu        sync.Mutex
	announced []string
	updated   []string
	deleted   []string
	props     map[string]string
	err       error
}

func (n *recordingNotifier) Announce(_ context.Context, line string, v *versions.Version) (map[string]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.announced = append(n.announced, line+"/"+v.Name)
	return n.props, nil
}

func (n *recordingNotifier) Update(_ context.Context, line string, v *versions.Version) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, line+"/"+v.Name)
	return nil
}

func (n *recordingNotifier) Delete(_ context.Context, line string, v *versions.Version) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, line+"/"+v.Name)
	return nil
}

// recordingMirror records uploaded keys.
type recordingMirror struct {
	mu   sync.Mutex
	keys []string
}

func (m *recordingMirror) Upload(_ context.Context, key string, _ io.Reader) (*storage.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return &storage.UploadResult{Key: key}, nil
}

func (m *recordingMirror) Exists(context.Context, string) (bool, error) { return false, nil }
func (m *recordingMirror) Delete(context.Context, string) error         { return nil }

func (m *recordingMirror) uploaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// recordingLineProps records persisted line bookkeeping, keyed line/key.
type recordingLineProps struct {
	mu    sync.Mutex
	props map[string]string
}

func (p *recordingLineProps) SetLineProperty(line, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props == nil {
		p.props = make(map[string]string)
	}
	p.props[line+"/"+key] = value
	return nil
}

func (p *recordingLineProps) get(line, key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props[line+"/"+key]
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type installerFixture struct {
	installer  *ReleaseInstaller
	store      *versions.Store
	updateRepo *updaterepo.Publisher
	collector  *stats.Collector
	notifier   *recordingNotifier
	mirror     *recordingMirror
	lineProps  *recordingLineProps
	basePath   string
}

// newInstallerFixture wires a single-line installer against an httptest
// artifact server and in-memory fakes for everything else.
func newInstallerFixture(t *testing.T, rel *releases.Release) *installerFixture {
	t.Helper()

	artifacts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	}))
	t.Cleanup(artifacts.Close)

	basePath := t.TempDir()
	line := &config.ProductLine{Name: "cloudnet"}
	source := &fakeSource{
		latest: rel,
		commit: &releases.Commit{Hash: "deadbeef"},
	}
	loader := &fakeLoader{files: []versions.VersionFile{
		{Name: "cloudnet.jar", FileType: versions.FileTypeJar, DownloadURL: artifacts.URL + "/cloudnet.jar"},
		{Name: "cloudnet.cnl", FileType: versions.FileTypeConfigList, DownloadURL: artifacts.URL + "/cloudnet.cnl"},
	}}

	store := versions.NewStore(newFakeVersionRepo())
	if !store.Init(context.Background()) {
		t.Fatal("store init failed")
	}

	notifier := &recordingNotifier{props: map[string]string{notify.MessageIDProperty: "msg-1"}}
	mirror := &recordingMirror{}
	lineProps := &recordingLineProps{}
	updateRepo := updaterepo.NewPublisher()
	collector := stats.NewCollector()

	installer := &ReleaseInstaller{
		basePath:   basePath,
		store:      store,
		updateRepo: updateRepo,
		notifier:   notifier,
		collector:  collector,
		mirror:     mirror,
		lineProps:  lineProps,
		lines: map[string]*lineInstaller{
			"cloudnet": {
				line:     line,
				source:   source,
				archiver: archive.NewArchiver(basePath, line, source, loader),
			},
		},
	}

	return &installerFixture{
		installer:  installer,
		store:      store,
		updateRepo: updateRepo,
		collector:  collector,
		notifier:   notifier,
		mirror:     mirror,
		lineProps:  lineProps,
		basePath:   basePath,
	}
}

func testRelease(tag string, published time.Time) *releases.Release {
	return &releases.Release{TagName: tag, Name: tag, PublishedAt: published}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestInstallLatest_RunsFullPipeline(t *testing.T) {
	fx := newInstallerFixture(t, testRelease("v3.4.0", time.Now().UTC()))

	v, err := fx.installer.InstallLatest(context.Background(), "cloudnet")
	if err != nil {
		t.Fatalf("InstallLatest() error: %v", err)
	}
	if v.Name != "3.4.0" {
		t.Errorf("installed version = %q, want 3.4.0", v.Name)
	}

	// -------------------------------------------------------------------
	// Version registered in the store

	stored := fx.store.GetVersion("cloudnet", "3.4.0")
	if stored == nil {
		t.Fatal("version not registered in the store")
	}
	if stored.CommitInfo.Hash != "deadbeef" {
		t.Errorf("commit hash = %q, want deadbeef", stored.CommitInfo.Hash)
	}

	// -------------------------------------------------------------------
	// Update manifest regenerated

	manifest, ok := fx.updateRepo.Manifest("cloudnet")
	if !ok {
		t.Fatal("no manifest published for cloudnet")
	}
	if !strings.Contains(manifest, "app-version=3.4.0") {
		t.Errorf("manifest = %q, want app-version=3.4.0", manifest)
	}
	if !strings.Contains(manifest, "files=cloudnet.jar;cloudnet.cnl") {
		t.Errorf("manifest = %q, want both artifact names", manifest)
	}

	// -------------------------------------------------------------------
	// Announcement sent and its properties persisted

	if len(fx.notifier.announced) != 1 || fx.notifier.announced[0] != "cloudnet/3.4.0" {
		t.Errorf("announced = %v, want [cloudnet/3.4.0]", fx.notifier.announced)
	}
	if got := fx.store.GetVersion("cloudnet", "3.4.0").Properties[notify.MessageIDProperty]; got != "msg-1" {
		t.Errorf("persisted message id property = %q, want msg-1", got)
	}
	if got := fx.lineProps.get("cloudnet", notify.MessageIDProperty); got != "msg-1" {
		t.Errorf("persisted line property = %q, want msg-1", got)
	}

	// -------------------------------------------------------------------
	// Telemetry line registered

	if fx.collector.LineAggregate("cloudnet") == nil {
		t.Error("product line not registered with the telemetry collector")
	}

	// -------------------------------------------------------------------
	// Files archived on disk and replicated to the mirror

	if _, err := os.Stat(filepath.Join(fx.basePath, "versions", "cloudnet", "3.4.0", "cloudnet.jar")); err != nil {
		t.Errorf("archived jar missing: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		keys := fx.mirror.uploaded()
		if len(keys) == 2 {
			for _, key := range keys {
				if !strings.HasPrefix(key, "versions/cloudnet/3.4.0/") {
					t.Errorf("mirror key = %q, want versions/cloudnet/3.4.0/ prefix", key)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror received %d uploads, want 2", len(keys))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInstall_UnknownLine(t *testing.T) {
	fx := newInstallerFixture(t, testRelease("v3.4.0", time.Now().UTC()))

	if _, err := fx.installer.InstallLatest(context.Background(), "nope"); err == nil {
		t.Error("InstallLatest() for unknown line = nil error, want error")
	}
	if _, err := fx.installer.Install(context.Background(), "nope", testRelease("v1.0.0", time.Now())); err == nil {
		t.Error("Install() for unknown line = nil error, want error")
	}
}

func TestInstall_ManifestTracksNewestVersion(t *testing.T) {
	now := time.Now().UTC()
	fx := newInstallerFixture(t, testRelease("v3.4.1", now))

	if _, err := fx.installer.Install(context.Background(), "cloudnet", testRelease("v3.4.1", now)); err != nil {
		t.Fatal(err)
	}

	// Backfilling an older release must not roll the manifest back.
	if _, err := fx.installer.Install(context.Background(), "cloudnet", testRelease("v3.4.0", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}

	manifest, _ := fx.updateRepo.Manifest("cloudnet")
	if !strings.Contains(manifest, "app-version=3.4.1") {
		t.Errorf("manifest = %q, want app-version=3.4.1 after backfill", manifest)
	}
}

func TestInstall_AnnouncementFailureDoesNotFailInstall(t *testing.T) {
	fx := newInstallerFixture(t, testRelease("v3.4.0", time.Now().UTC()))
	fx.notifier.err = errors.New("chat service down")

	if _, err := fx.installer.InstallLatest(context.Background(), "cloudnet"); err != nil {
		t.Fatalf("InstallLatest() error: %v", err)
	}
	if fx.store.GetVersion("cloudnet", "3.4.0") == nil {
		t.Error("version not stored although only the announcement failed")
	}
}

func TestAnnounceEditedAndDeleted(t *testing.T) {
	fx := newInstallerFixture(t, testRelease("v3.4.0", time.Now().UTC()))

	if _, err := fx.installer.InstallLatest(context.Background(), "cloudnet"); err != nil {
		t.Fatal(err)
	}

	if err := fx.installer.AnnounceEdited(context.Background(), "cloudnet", "3.4.0"); err != nil {
		t.Errorf("AnnounceEdited() error: %v", err)
	}
	if err := fx.installer.AnnounceDeleted(context.Background(), "cloudnet", "3.4.0"); err != nil {
		t.Errorf("AnnounceDeleted() error: %v", err)
	}
	if len(fx.notifier.updated) != 1 || len(fx.notifier.deleted) != 1 {
		t.Errorf("updated = %v, deleted = %v, want one call each", fx.notifier.updated, fx.notifier.deleted)
	}

	// Unknown versions are rejected before any notification goes out.
	if err := fx.installer.AnnounceEdited(context.Background(), "cloudnet", "9.9.9"); err == nil {
		t.Error("AnnounceEdited() for unknown version = nil error, want error")
	}
	if err := fx.installer.AnnounceDeleted(context.Background(), "cloudnet", "9.9.9"); err == nil {
		t.Error("AnnounceDeleted() for unknown version = nil error, want error")
	}
}

func TestNewReleaseInstaller_WiresConfiguredLines(t *testing.T) {
	cfg := &config.Config{
		Archive: config.ArchiveConfig{BasePath: t.TempDir()},
		Lines: []config.ProductLine{
			{
				Name:   "cloudnet",
				CI:     config.CIConfig{Kind: "jenkins", JobURL: "http://ci.invalid/job/CloudNet"},
				Source: config.SourceConfig{Kind: "github", Owner: "CloudNetService", Repo: "CloudNet"},
			},
		},
	}

	store := versions.NewStore(newFakeVersionRepo())
	installer, err := NewReleaseInstaller(cfg, store, updaterepo.NewPublisher(), notify.LogPublisher{}, stats.NewCollector(), nil, nil)
	if err != nil {
		t.Fatalf("NewReleaseInstaller() error: %v", err)
	}
	if installer.Source("cloudnet") == nil {
		t.Error("Source() = nil for a configured line")
	}
	if installer.Source("nope") != nil {
		t.Error("Source() != nil for an unknown line")
	}
}

func TestNewReleaseInstaller_UnknownSourceKind(t *testing.T) {
	cfg := &config.Config{
		Archive: config.ArchiveConfig{BasePath: t.TempDir()},
		Lines: []config.ProductLine{
			{Name: "cloudnet", Source: config.SourceConfig{Kind: "gitlab"}},
		},
	}

	_, err := NewReleaseInstaller(cfg, versions.NewStore(newFakeVersionRepo()),
		updaterepo.NewPublisher(), notify.LogPublisher{}, stats.NewCollector(), nil, nil)
	if err == nil {
		t.Error("NewReleaseInstaller() with unknown source kind = nil error, want error")
	}
}
