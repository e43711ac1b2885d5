// Package admin exposes the manual operations surface. Every route here sits
// behind the bearer token middleware; there is no user management, just a
// single operator token.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cloudnetservice/updateserver/internal/releases"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// Installer is the slice of the release installer the admin surface needs.
// Implemented by services.ReleaseInstaller.
type Installer interface {
	InstallLatest(ctx context.Context, line string) (*versions.Version, error)
	Source(line string) releases.Source
}

// Handler serves the administrative endpoints.
type Handler struct {
	installer Installer
}

// NewHandler creates the admin handler.
func NewHandler(installer Installer) *Handler {
	return &Handler{installer: installer}
}

// InstallLatest handles POST /admin/install/:line. The install runs
// synchronously so the operator sees the result, unlike webhook installs
// which are acknowledged before they finish.
func (h *Handler) InstallLatest(c *gin.Context) {
	line := c.Param("line")

	if h.installer.Source(line) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown product line"})
		return
	}

	v, err := h.installer.InstallLatest(c.Request.Context(), line)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"line":    line,
		"version": v.Name,
		"commit":  v.CommitInfo.Hash,
		"files":   len(v.Files),
	})
}
