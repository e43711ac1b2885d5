// Package versions defines the Version record produced by the release
// ingestion pipeline and the VersionStore that persists and caches it.
// A Version is immutable once registered: the only permitted mutation is an
// explicit property edit (e.g. recording the message ids created while
// announcing the release), which replaces the stored record wholesale.
package versions

import "time"

// FileType classifies one downloadable artifact belonging to a release.
type FileType string

const (
	// FileTypeJar is the main runnable application jar.
	FileTypeJar FileType = "CLOUDNET_JAR"
	// FileTypeConfigList is a .cnl configuration list file.
	FileTypeConfigList FileType = "CLOUDNET_CNL"
	// FileTypeModule is an optional module jar.
	FileTypeModule FileType = "MODULE"
	// FileTypeJavaDocs is the zipped API documentation archive. It is extracted
	// into the docs tree instead of being copied into the version directory,
	// and is never listed in the update manifest.
	FileTypeJavaDocs FileType = "JAVA_DOCS"
	// FileTypeFullZip is the complete distribution archive. Served on request
	// but excluded from the update manifest so unattended updaters never pull it.
	FileTypeFullZip FileType = "CLOUDNET_ZIP"
)

// ServableByUpdater reports whether a file of this type may appear in the
// update manifest and be fetched through the per-version file endpoint.
func (t FileType) ServableByUpdater() bool {
	return t != FileTypeJavaDocs && t != FileTypeFullZip
}

// VersionInfo carries the publishing coordinates of a library artifact.
type VersionInfo struct {
	Repository string `json:"repository,omitempty"`
	Group      string `json:"group,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
}

// VersionFile is a single artifact of a release. DownloadURL points at the
// upstream CI artifact until the archiver has copied the file into the local
// archive tree, at which point it is cleared; archived files are always
// served from disk, never proxied.
type VersionFile struct {
	DownloadURL string       `json:"downloadUrl,omitempty"`
	Name        string       `json:"name"`
	FileType    FileType     `json:"fileType"`
	Checksum    string       `json:"checksum,omitempty"`
	Info        *VersionInfo `json:"versionInfo,omitempty"`
}

// CommitInfo is the metadata of the commit a release tag points at.
type CommitInfo struct {
	Hash      string `json:"hash"`
	Author    string `json:"author"`
	Committer string `json:"committer"`
	Message   string `json:"message"`
	URL       string `json:"url"`
}

// FileMappings maps raw artifact file names to canonical version-group names
// and target environments to the artifact sets they require. It is a pure
// lookup table; each Version carries the snapshot that was in effect at
// install time so historical dependency information stays stable even when
// the product line is later reconfigured.
type FileMappings struct {
	// FileGroups maps an artifact file name to its canonical group name.
	FileGroups map[string]string `json:"fileGroups,omitempty" mapstructure:"file_groups"`
	// Environments maps a target environment to the artifact names it needs
	// in addition to CommonFiles.
	Environments map[string][]string `json:"environments,omitempty" mapstructure:"environments"`
	// CommonFiles is the baseline artifact set required on every environment.
	CommonFiles []string `json:"commonFiles,omitempty" mapstructure:"common_files"`
}

// FilesForEnvironment returns the artifact names required on the given
// environment: the common baseline plus the environment-specific set.
func (m FileMappings) FilesForEnvironment(env string) []string {
	out := make([]string, 0, len(m.CommonFiles)+4)
	out = append(out, m.CommonFiles...)
	out = append(out, m.Environments[env]...)
	return out
}

// GroupOf resolves the canonical version-group name for an artifact file
// name, falling back to the file name itself when no mapping exists.
func (m FileMappings) GroupOf(fileName string) string {
	if g, ok := m.FileGroups[fileName]; ok {
		return g
	}
	return fileName
}

// Version is one archived release of a product line. Name is unique within
// the line. Files is a closed set: no partial state is ever visible through
// the store.
type Version struct {
	Name         string            `json:"name"`
	CommitInfo   CommitInfo        `json:"commitInfo"`
	ReleaseDate  time.Time         `json:"releaseDate"`
	Files        []VersionFile     `json:"files"`
	FileMappings FileMappings      `json:"fileMappings"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// File returns the named file of the version, or nil when absent.
func (v *Version) File(name string) *VersionFile {
	for i := range v.Files {
		if v.Files[i].Name == name {
			return &v.Files[i]
		}
	}
	return nil
}

// SetProperty records a publisher bookkeeping value on the version,
// allocating the property map on first use.
func (v *Version) SetProperty(key, value string) {
	if v.Properties == nil {
		v.Properties = make(map[string]string)
	}
	v.Properties[key] = value
}
