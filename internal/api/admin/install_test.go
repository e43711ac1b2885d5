package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudnetservice/updateserver/internal/releases"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// ---- fake installer ---------------------------------------------------------

type fakeSource struct{}

func (fakeSource) LatestRelease(context.Context) (*releases.Release, error)        { return nil, nil }
func (fakeSource) ReleaseByTag(context.Context, string) (*releases.Release, error) { return nil, nil }
func (fakeSource) FetchCommit(context.Context, string) (*releases.Commit, error)   { return nil, nil }

type fakeInstaller struct {
	installErr error
}

func (f *fakeInstaller) InstallLatest(_ context.Context, line string) (*versions.Version, error) {
	if f.installErr != nil {
		return nil, f.installErr
	}
	return &versions.Version{
		Name:       "3.4.0",
		CommitInfo: versions.CommitInfo{Hash: "deadbeef"},
		Files:      []versions.VersionFile{{Name: "cloudnet.jar"}},
	}, nil
}

func (f *fakeInstaller) Source(line string) releases.Source {
	if line != "cloudnet" {
		return nil
	}
	return fakeSource{}
}

// ---- router helper ----------------------------------------------------------

func newAdminRouter(installer Installer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/admin/install/:line", NewHandler(installer).InstallLatest)
	return r
}

func doInstall(r *gin.Engine, line string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/install/"+line, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---- tests ------------------------------------------------------------------

func TestInstallLatest(t *testing.T) {
	r := newAdminRouter(&fakeInstaller{})

	w := doInstall(r, "cloudnet")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cloudnet", resp["line"])
	assert.Equal(t, "3.4.0", resp["version"])
	assert.Equal(t, "deadbeef", resp["commit"])
	assert.Equal(t, float64(1), resp["files"])
}

func TestInstallLatest_UnknownLine(t *testing.T) {
	r := newAdminRouter(&fakeInstaller{})

	w := doInstall(r, "nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInstallLatest_UpstreamFailure(t *testing.T) {
	r := newAdminRouter(&fakeInstaller{installErr: errors.New("ci unreachable")})

	w := doInstall(r, "cloudnet")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "ci unreachable")
}
