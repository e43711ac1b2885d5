// jenkins.go implements the Jenkins artifact loader.
//
// Endpoint used: GET {jobURL}/lastBuild/api/json
// Artifact downloads resolve to {buildURL}artifact/{relativePath}.
package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

func init() {
	Register("jenkins", func(cfg config.CIConfig) (Loader, error) {
		return NewJenkinsLoader(cfg.JobURL), nil
	})
}

// JenkinsLoader reads the artifact list of a Jenkins job's last build.
type JenkinsLoader struct {
	JobURL     string
	HTTPClient *http.Client
}

// NewJenkinsLoader creates a JenkinsLoader for the given job base URL.
func NewJenkinsLoader(jobURL string) *JenkinsLoader {
	return &JenkinsLoader{
		JobURL: strings.TrimRight(jobURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name implements Loader.
func (l *JenkinsLoader) Name() string { return "jenkins" }

// ----- Jenkins API types ----------------------------------------------------

type jenkinsBuild struct {
	Result    string            `json:"result"`
	URL       string            `json:"url"`
	Artifacts []jenkinsArtifact `json:"artifacts"`
}

type jenkinsArtifact struct {
	FileName     string `json:"fileName"`
	RelativePath string `json:"relativePath"`
}

// ----- Loader implementation ------------------------------------------------

// LoadVersionFiles fetches the last build of the configured job and returns
// its artifacts as version files. The build must have finished with result
// SUCCESS and must carry at least one artifact.
func (l *JenkinsLoader) LoadVersionFiles(ctx context.Context) ([]versions.VersionFile, error) {
	apiURL := l.JobURL + "/lastBuild/api/json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build jenkins request: %w", err)
	}

	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call jenkins: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &LoadError{Loader: l.Name(), Reason: "job or last build not found"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("jenkins returned %d: %s", resp.StatusCode, string(body))
	}

	var build jenkinsBuild
	if err := json.NewDecoder(resp.Body).Decode(&build); err != nil {
		return nil, fmt.Errorf("failed to decode jenkins response: %w", err)
	}

	if build.Result != "SUCCESS" {
		return nil, &LoadError{
			Loader: l.Name(),
			Reason: fmt.Sprintf("last build result is %q, want SUCCESS", build.Result),
		}
	}
	if len(build.Artifacts) == 0 {
		return nil, &LoadError{Loader: l.Name(), Reason: "last build has no artifacts"}
	}

	buildURL := strings.TrimRight(build.URL, "/")
	files := make([]versions.VersionFile, 0, len(build.Artifacts))
	for _, artifact := range build.Artifacts {
		files = append(files, versions.VersionFile{
			DownloadURL: buildURL + "/artifact/" + artifact.RelativePath,
			Name:        artifact.FileName,
			FileType:    ClassifyArtifact(artifact.FileName, artifact.RelativePath),
		})
	}
	return files, nil
}

// ClassifyArtifact derives the file kind from an artifact's name and its path
// inside the build workspace. Module jars are distinguished from the main
// application jar by living under a modules/ directory.
func ClassifyArtifact(fileName, relativePath string) versions.FileType {
	lower := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(lower, ".cnl"):
		return versions.FileTypeConfigList
	case strings.HasSuffix(lower, ".zip") && strings.Contains(lower, "javadoc"):
		return versions.FileTypeJavaDocs
	case strings.HasSuffix(lower, ".zip"):
		return versions.FileTypeFullZip
	case strings.HasSuffix(lower, ".jar"):
		dir := strings.ToLower(path.Dir(relativePath))
		if strings.Contains(dir, "modules") {
			return versions.FileTypeModule
		}
		return versions.FileTypeJar
	default:
		return versions.FileTypeModule
	}
}
