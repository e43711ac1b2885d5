// Package webhooks receives release lifecycle events pushed by the upstream
// source host. Authentication is an HMAC signature over the raw request body;
// there is no session or token auth on this surface.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/releases"
	"github.com/cloudnetservice/updateserver/internal/safego"
	"github.com/cloudnetservice/updateserver/internal/telemetry"
	"github.com/cloudnetservice/updateserver/internal/versions"
	"github.com/cloudnetservice/updateserver/internal/webhook"
)

// maxEventBytes caps the webhook body size. Release event payloads are a few
// kilobytes; anything near the cap is not a legitimate event.
const maxEventBytes = 1 << 20

// releaseEvent is the envelope of a release lifecycle delivery.
type releaseEvent struct {
	Action  string `json:"action"`
	Release struct {
		TagName     string    `json:"tag_name"`
		Name        string    `json:"name"`
		Draft       bool      `json:"draft"`
		Prerelease  bool      `json:"prerelease"`
		PublishedAt time.Time `json:"published_at"`
	} `json:"release"`
}

// Installer is the slice of the release installer the webhook surface needs.
// Implemented by services.ReleaseInstaller.
type Installer interface {
	Install(ctx context.Context, line string, rel *releases.Release) (*versions.Version, error)
	AnnounceEdited(ctx context.Context, line, name string) error
	AnnounceDeleted(ctx context.Context, line, name string) error
}

// ReleaseWebhookHandler validates and dispatches inbound release events.
type ReleaseWebhookHandler struct {
	cfg       *config.Config
	installer Installer
}

// NewReleaseWebhookHandler creates the webhook handler.
func NewReleaseWebhookHandler(cfg *config.Config, installer Installer) *ReleaseWebhookHandler {
	return &ReleaseWebhookHandler{cfg: cfg, installer: installer}
}

// HandleReleaseEvent handles POST /versions/:line/webhook.
//
// The signature is checked before anything in the body is interpreted. A
// malformed signature header is 400, a well-formed but wrong signature is 403.
// Deliveries must declare their type via X-GitHub-Event; only ping and
// release events are accepted.
// Published events are installed asynchronously and acknowledged with 202;
// edited and deleted events require the version to already be stored.
func (h *ReleaseWebhookHandler) HandleReleaseEvent(c *gin.Context) {
	line := c.Param("line")

	pl := h.cfg.Line(line)
	if pl == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown product line"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := webhook.ValidateSignature(body, c.GetHeader("X-Hub-Signature"), pl.WebhookSecret); err != nil {
		if errors.Is(err, webhook.ErrMalformedSignature) {
			telemetry.WebhookEventsTotal.WithLabelValues(line, "unknown", "invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed signature header"})
			return
		}
		telemetry.WebhookEventsTotal.WithLabelValues(line, "unknown", "unauthorized").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "signature mismatch"})
		return
	}

	switch eventType := c.GetHeader("X-GitHub-Event"); eventType {
	case "ping":
		telemetry.WebhookEventsTotal.WithLabelValues(line, "ping", "accepted").Inc()
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
		return
	case "release":
		// Only release lifecycle deliveries carry an action to dispatch.
	default:
		telemetry.WebhookEventsTotal.WithLabelValues(line, "unknown", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or unsupported X-GitHub-Event header"})
		return
	}

	var event releaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		telemetry.WebhookEventsTotal.WithLabelValues(line, "unknown", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	switch event.Action {
	case "published":
		h.handlePublished(c, line, &event)
	case "edited":
		h.handleEdited(c, line, &event)
	case "deleted":
		h.handleDeleted(c, line, &event)
	default:
		telemetry.WebhookEventsTotal.WithLabelValues(line, event.Action, "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported action: " + event.Action})
	}
}

// handlePublished kicks off the install in the background. The delivery is
// acknowledged immediately; holding the HTTP worker through a multi-minute
// artifact download would make the source host time out and redeliver.
func (h *ReleaseWebhookHandler) handlePublished(c *gin.Context, line string, event *releaseEvent) {
	if event.Release.TagName == "" {
		telemetry.WebhookEventsTotal.WithLabelValues(line, "published", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "event carries no release tag"})
		return
	}
	if event.Release.Draft || event.Release.Prerelease {
		telemetry.WebhookEventsTotal.WithLabelValues(line, "published", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"message": "draft and prerelease events are ignored"})
		return
	}

	rel := &releases.Release{
		TagName:     event.Release.TagName,
		Name:        event.Release.Name,
		PublishedAt: event.Release.PublishedAt,
	}
	safego.Go(func() {
		if _, err := h.installer.Install(context.Background(), line, rel); err != nil {
			slog.Error("webhook install failed", "line", line, "tag", rel.TagName, "error", err)
		}
	})

	telemetry.WebhookEventsTotal.WithLabelValues(line, "published", "accepted").Inc()
	c.JSON(http.StatusAccepted, gin.H{"message": "install started", "tag": rel.TagName})
}

func (h *ReleaseWebhookHandler) handleEdited(c *gin.Context, line string, event *releaseEvent) {
	name := strings.TrimPrefix(event.Release.TagName, "v")
	if err := h.installer.AnnounceEdited(c.Request.Context(), line, name); err != nil {
		telemetry.WebhookEventsTotal.WithLabelValues(line, "edited", "invalid").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "version is not stored"})
		return
	}
	telemetry.WebhookEventsTotal.WithLabelValues(line, "edited", "accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"message": "announcement updated"})
}

func (h *ReleaseWebhookHandler) handleDeleted(c *gin.Context, line string, event *releaseEvent) {
	name := strings.TrimPrefix(event.Release.TagName, "v")
	if err := h.installer.AnnounceDeleted(c.Request.Context(), line, name); err != nil {
		telemetry.WebhookEventsTotal.WithLabelValues(line, "deleted", "invalid").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "version is not stored"})
		return
	}
	telemetry.WebhookEventsTotal.WithLabelValues(line, "deleted", "accepted").Inc()
	c.JSON(http.StatusOK, gin.H{"message": "announcement withdrawn"})
}
