// store.go implements the versioned release store: PostgreSQL is the source
// of truth, fronted by an immutable in-memory snapshot that serves all reads.
package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	goversion "github.com/hashicorp/go-version"

	"github.com/cloudnetservice/updateserver/internal/db/models"
)

// Repository is the persistence surface the store needs. Implemented by
// repositories.VersionRepository.
type Repository interface {
	Replace(ctx context.Context, row *models.VersionRow) error
	UpdatePayload(ctx context.Context, row *models.VersionRow) error
	ListAll(ctx context.Context) ([]*models.VersionRow, error)
}

// snapshot is one immutable view of every stored version, grouped by product
// line. Readers load it through an atomic pointer and never see a partially
// rebuilt state.
type snapshot struct {
	byLine map[string][]*Version // sorted newest first
}

func (s *snapshot) find(line, name string) *Version {
	for _, v := range s.byLine[line] {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Store keeps every known release version in memory, backed by the database.
// Reads are lock-free against the current snapshot; writes go through the
// database first and then rebuild the snapshot wholesale, so the cache can
// never drift from what a restart would load.
type Store struct {
	repo Repository

	mu      sync.Mutex // serializes writes and snapshot rebuilds
	current atomic.Pointer[snapshot]
	healthy atomic.Bool
}

// NewStore creates a store over the given repository. Call Init before use.
func NewStore(repo Repository) *Store {
	s := &Store{repo: repo}
	s.current.Store(&snapshot{byLine: map[string][]*Version{}})
	return s
}

// Init warms the in-memory snapshot from the database. It returns false when
// the load fails; the store then serves an empty snapshot and reports
// unhealthy, and the server keeps running so the telemetry endpoints stay up.
func (s *Store) Init(ctx context.Context) bool {
	if err := s.rebuild(ctx); err != nil {
		slog.Error("version store init failed, serving empty snapshot", "error", err)
		s.healthy.Store(false)
		return false
	}
	s.healthy.Store(true)
	return true
}

// Healthy reports whether the last database interaction succeeded.
func (s *Store) Healthy() bool {
	return s.healthy.Load()
}

// RegisterVersion persists v for the given product line, replacing any stored
// version with the same name, and refreshes the snapshot. The previous
// snapshot keeps serving reads until the rebuild completes.
func (s *Store) RegisterVersion(ctx context.Context, line string, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := rowFromVersion(line, v)
	if err != nil {
		return err
	}
	if err := s.repo.Replace(ctx, row); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("failed to register version %s/%s: %w", line, v.Name, err)
	}

	if err := s.rebuild(ctx); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("failed to refresh version snapshot: %w", err)
	}
	s.healthy.Store(true)
	return nil
}

// UpdateProperties merges props into the stored properties of an existing
// version and persists the result. Unknown versions are an error.
func (s *Store) UpdateProperties(ctx context.Context, line, name string, props map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.current.Load().find(line, name)
	if v == nil {
		return fmt.Errorf("unknown version: %s/%s", line, name)
	}

	updated := *v
	updated.Properties = make(map[string]string, len(v.Properties)+len(props))
	for k, val := range v.Properties {
		updated.Properties[k] = val
	}
	for k, val := range props {
		updated.Properties[k] = val
	}

	row, err := rowFromVersion(line, &updated)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePayload(ctx, row); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("failed to update properties of %s/%s: %w", line, name, err)
	}

	if err := s.rebuild(ctx); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("failed to refresh version snapshot: %w", err)
	}
	s.healthy.Store(true)
	return nil
}

// GetVersion returns the stored version with the given name, or nil when the
// line or version is unknown.
func (s *Store) GetVersion(line, name string) *Version {
	return s.current.Load().find(line, name)
}

// GetLatestVersion returns the newest version of a product line by release
// date, or nil when the line has no versions. Releases published at the same
// instant are ordered by semantic version, falling back to the plain name,
// so the result is deterministic.
func (s *Store) GetLatestVersion(line string) *Version {
	list := s.current.Load().byLine[line]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// GetAllVersions returns every stored version of a product line, newest
// first. The returned slice is shared with the snapshot and must not be
// modified.
func (s *Store) GetAllVersions(line string) []*Version {
	return s.current.Load().byLine[line]
}

// rebuild loads every row from the database and swaps in a fresh snapshot.
func (s *Store) rebuild(ctx context.Context) error {
	rows, err := s.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load versions: %w", err)
	}

	byLine := make(map[string][]*Version)
	for _, row := range rows {
		v, err := versionFromRow(row)
		if err != nil {
			slog.Error("skipping undecodable version row",
				"line", row.ParentName, "version", row.Name, "error", err)
			continue
		}
		byLine[row.ParentName] = append(byLine[row.ParentName], v)
	}
	for _, list := range byLine {
		sortVersions(list)
	}

	s.current.Store(&snapshot{byLine: byLine})
	return nil
}

// sortVersions orders a version list newest first.
func sortVersions(list []*Version) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.ReleaseDate.Equal(b.ReleaseDate) {
			return a.ReleaseDate.After(b.ReleaseDate)
		}
		av, aerr := goversion.NewVersion(a.Name)
		bv, berr := goversion.NewVersion(b.Name)
		if aerr == nil && berr == nil && !av.Equal(bv) {
			return av.GreaterThan(bv)
		}
		return a.Name > b.Name
	})
}

func rowFromVersion(line string, v *Version) (*models.VersionRow, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version %s/%s: %w", line, v.Name, err)
	}
	return &models.VersionRow{
		ParentName:  line,
		Name:        v.Name,
		ReleaseDate: v.ReleaseDate,
		Payload:     payload,
	}, nil
}

func versionFromRow(row *models.VersionRow) (*Version, error) {
	var v Version
	if err := json.Unmarshal(row.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode version payload: %w", err)
	}
	return &v, nil
}
