// Package updates serves the auto-updater surface: the plaintext update
// manifest and the archived version files. Both endpoints are public; updater
// clients poll them without credentials.
package updates

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/cloudnetservice/updateserver/internal/telemetry"
	"github.com/cloudnetservice/updateserver/internal/updaterepo"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// Handler serves manifests and version files.
type Handler struct {
	store      *versions.Store
	updateRepo *updaterepo.Publisher
	basePath   string
}

// NewHandler creates the updates handler. basePath is the archive root.
func NewHandler(store *versions.Store, updateRepo *updaterepo.Publisher, basePath string) *Handler {
	return &Handler{store: store, updateRepo: updateRepo, basePath: basePath}
}

// Manifest handles GET /versions/:line/repository. The response is the
// plaintext manifest document; unknown lines are 404.
func (h *Handler) Manifest(c *gin.Context) {
	line := c.Param("line")

	manifest, ok := h.updateRepo.Manifest(line)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown product line"})
		return
	}

	telemetry.ManifestRequestsTotal.WithLabelValues(line).Inc()
	c.String(http.StatusOK, manifest)
}

// Download handles GET /versions/:line/versions/:version/:file. Only files of
// a stored version are served, and only the kinds meant for updater
// consumption; everything else is 404. Serving goes through the store lookup,
// so the path on disk is always built from validated stored names, never from
// raw request input.
func (h *Handler) Download(c *gin.Context) {
	line := c.Param("line")
	version := c.Param("version")
	fileName := c.Param("file")

	v := h.store.GetVersion(line, version)
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown version"})
		return
	}

	file := v.File(fileName)
	if file == nil || !file.FileType.ServableByUpdater() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown file"})
		return
	}

	telemetry.VersionFileDownloadsTotal.WithLabelValues(line, v.Name).Inc()

	if file.Checksum != "" {
		c.Header("X-Checksum-Sha256", file.Checksum)
	}
	c.FileAttachment(
		filepath.Join(h.basePath, "versions", line, v.Name, file.Name),
		file.Name,
	)
}
