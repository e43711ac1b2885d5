// github.go implements the GitHub release source.
//
// Endpoints used:
//
//	GET /repos/{owner}/{repo}/releases/latest
//	GET /repos/{owner}/{repo}/releases/tags/{tag}
//	GET /repos/{owner}/{repo}/commits/{ref}
package releases

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudnetservice/updateserver/internal/config"
)

func init() {
	Register("github", func(cfg config.SourceConfig) (Source, error) {
		return NewGitHubSource(cfg.Owner, cfg.Repo, cfg.APIToken), nil
	})
}

// GitHubSource fetches release metadata from the GitHub API.
type GitHubSource struct {
	Owner      string
	Repo       string
	HTTPClient *http.Client
	// APIToken is an optional GitHub token. Without one the API is limited to
	// 60 unauthenticated requests per hour.
	APIToken string
	// BaseURL of the GitHub API, overridable for tests.
	BaseURL string
}

// NewGitHubSource creates a GitHubSource for owner/repo.
func NewGitHubSource(owner, repo, apiToken string) *GitHubSource {
	return &GitHubSource{
		Owner: owner,
		Repo:  repo,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		APIToken: apiToken,
		BaseURL:  "https://api.github.com",
	}
}

// ----- GitHub API types -----------------------------------------------------

type gitHubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

type gitHubCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
		Committer struct {
			Name string `json:"name"`
		} `json:"committer"`
	} `json:"commit"`
}

// ----- Source implementation ------------------------------------------------

// LatestRelease returns the newest published release, or nil when the
// repository has none.
func (s *GitHubSource) LatestRelease(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", s.BaseURL, s.Owner, s.Repo)

	var rel gitHubRelease
	found, err := s.getJSON(ctx, url, &rel)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return releaseFrom(rel), nil
}

// ReleaseByTag returns the release with the given tag. GitHub tags may use
// "v3.4.0" or "3.4.0"; both spellings are tried.
func (s *GitHubSource) ReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	candidates := []string{tag}
	if trimmed := strings.TrimPrefix(tag, "v"); trimmed != tag {
		candidates = append(candidates, trimmed)
	} else {
		candidates = append(candidates, "v"+tag)
	}

	for _, candidate := range candidates {
		url := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", s.BaseURL, s.Owner, s.Repo, candidate)

		var rel gitHubRelease
		found, err := s.getJSON(ctx, url, &rel)
		if err != nil {
			return nil, err
		}
		if found {
			return releaseFrom(rel), nil
		}
	}
	return nil, nil
}

// FetchCommit returns commit details for a ref, or nil when the ref cannot be
// resolved.
func (s *GitHubSource) FetchCommit(ctx context.Context, ref string) (*Commit, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", s.BaseURL, s.Owner, s.Repo, ref)

	var gc gitHubCommit
	found, err := s.getJSON(ctx, url, &gc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	return &Commit{
		Hash:      gc.SHA,
		Author:    gc.Commit.Author.Name,
		Committer: gc.Commit.Committer.Name,
		Message:   gc.Commit.Message,
		URL:       gc.HTMLURL,
	}, nil
}

func releaseFrom(rel gitHubRelease) *Release {
	return &Release{
		TagName:     rel.TagName,
		Name:        rel.Name,
		Body:        rel.Body,
		Draft:       rel.Draft,
		Prerelease:  rel.Prerelease,
		PublishedAt: rel.PublishedAt,
	}
}

// getJSON performs an authenticated GET and decodes the response into out.
// It returns (false, nil) on 404, so callers can treat missing releases and
// unresolvable refs as absent rather than failed.
func (s *GitHubSource) getJSON(ctx context.Context, url string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build GitHub API request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if s.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIToken)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to call GitHub API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("GitHub API returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode GitHub API response: %w", err)
	}
	return true, nil
}
