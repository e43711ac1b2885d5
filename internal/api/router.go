// Package api wires together all HTTP routes of the update server.
//
// Route grouping philosophy:
//   - The updater surface (/versions/...) is intentionally unauthenticated;
//     deployed instances poll manifests and download files without
//     credentials. The webhook endpoint under the same prefix authenticates
//     per request via its HMAC signature.
//   - The telemetry surface (/stats/...) is unauthenticated but rate limited
//     per reporting identity.
//   - The admin surface (/admin/...) always requires the operator bearer
//     token.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/cloudnetservice/updateserver/internal/api/admin"
	apistats "github.com/cloudnetservice/updateserver/internal/api/stats"
	"github.com/cloudnetservice/updateserver/internal/api/updates"
	"github.com/cloudnetservice/updateserver/internal/api/webhooks"
	"github.com/cloudnetservice/updateserver/internal/config"
	"github.com/cloudnetservice/updateserver/internal/db/repositories"
	"github.com/cloudnetservice/updateserver/internal/middleware"
	"github.com/cloudnetservice/updateserver/internal/notify"
	"github.com/cloudnetservice/updateserver/internal/safego"
	"github.com/cloudnetservice/updateserver/internal/services"
	"github.com/cloudnetservice/updateserver/internal/stats"
	"github.com/cloudnetservice/updateserver/internal/storage"
	"github.com/cloudnetservice/updateserver/internal/updaterepo"
	"github.com/cloudnetservice/updateserver/internal/versions"

	// Import mirror backends to register them via init().
	_ "github.com/cloudnetservice/updateserver/internal/storage/local"
	_ "github.com/cloudnetservice/updateserver/internal/storage/s3"
)

// BackgroundServices holds references to background goroutines that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible
// for calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	flushJob     *stats.FlushJob
	flushStarted bool
	rateLimiters []*stats.RateLimiter
}

// Shutdown stops all background goroutines. The flush job runs one final
// flush so a clean shutdown never loses telemetry reports.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.flushStarted {
		bg.flushJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router along with every service it
// serves: the version store, the update manifest publisher, the release
// installer, and the telemetry pipeline. lineProps persists per-line
// bookkeeping back into the config file and may be nil.
func NewRouter(cfg *config.Config, db *sql.DB, lineProps services.LineProperties) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	versionRepo := repositories.NewVersionRepository(db)
	snapshotRepo := repositories.NewTelemetrySnapshotRepository(sqlx.NewDb(db, "postgres"))

	// The store keeps serving (empty, unhealthy) when the warm-up fails;
	// the telemetry surface and health endpoint stay up either way.
	store := versions.NewStore(versionRepo)
	if !store.Init(context.Background()) {
		slog.Warn("version store started degraded, waiting for database recovery")
	}

	lineNames := make([]string, 0, len(cfg.Lines))
	for i := range cfg.Lines {
		lineNames = append(lineNames, cfg.Lines[i].Name)
	}

	updateRepo := updaterepo.NewPublisher()
	updateRepo.Seed(lineNames, store.GetLatestVersion)

	collector := stats.NewCollector()
	for _, name := range lineNames {
		collector.EnsureLine(name)
	}

	var notifier notify.Publisher = notify.LogPublisher{}
	if cfg.Notifications.Enabled {
		notifier = notify.NewChatWebhookPublisher(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout)
	}

	var mirror storage.Mirror
	if cfg.Mirror.Enabled {
		var err error
		mirror, err = storage.NewMirror(&cfg.Mirror)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize archive mirror: %w", err)
		}
		slog.Info("archive mirror enabled", "backend", cfg.Mirror.Backend)
	}

	installer, err := services.NewReleaseInstaller(cfg, store, updateRepo, notifier, collector, mirror, lineProps)
	if err != nil {
		return nil, nil, err
	}

	flushJob := stats.NewFlushJob(collector, snapshotRepo, cfg.Stats.FlushInterval)
	flushStarted := false
	var rateLimiters []*stats.RateLimiter
	if cfg.Stats.Enabled {
		if err := flushJob.Restore(context.Background()); err != nil {
			slog.Error("failed to restore telemetry aggregate, starting empty", "error", err)
		}
		safego.Go(func() { flushJob.Start(context.Background()) })
		flushStarted = true
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())

	router.GET("/health", healthCheckHandler(db, store))
	router.GET("/ready", readinessHandler(db, store))
	router.GET("/version", versionHandler())

	// Updater surface
	updatesHandler := updates.NewHandler(store, updateRepo, cfg.Archive.BasePath)
	webhookHandler := webhooks.NewReleaseWebhookHandler(cfg, installer)
	versionsGroup := router.Group("/versions/:line")
	{
		versionsGroup.GET("/repository", updatesHandler.Manifest)
		versionsGroup.GET("/versions/:version/:file", updatesHandler.Download)
		versionsGroup.POST("/webhook", webhookHandler.HandleReleaseEvent)
	}

	// Telemetry surface
	if cfg.Stats.Enabled {
		reportLimiter := stats.NewRateLimiter(
			cfg.Stats.ReportLimit.MaxRequests, cfg.Stats.ReportLimit.Unit, cfg.Stats.ReportLimit.UnitName)
		countryLimiter := stats.NewRateLimiter(
			cfg.Stats.CountryLimit.MaxRequests, cfg.Stats.CountryLimit.Unit, cfg.Stats.CountryLimit.UnitName)
		rateLimiters = append(rateLimiters, reportLimiter, countryLimiter)

		statsHandler := apistats.NewHandler(collector, store, reportLimiter, countryLimiter)
		statsGroup := router.Group("/stats")
		{
			statsGroup.POST("/version", statsHandler.ServerVersion)
			statsGroup.POST("/runtime", statsHandler.RuntimeVersion)
			statsGroup.POST("/product", statsHandler.ProductVersion)
			statsGroup.POST("/country", statsHandler.Country)
			statsGroup.POST("/platform", statsHandler.Platform)
		}
	}

	// Admin surface
	adminHandler := admin.NewHandler(installer)
	adminGroup := router.Group("/admin")
	adminGroup.Use(middleware.AdminTokenMiddleware(cfg.Admin.TokenHash))
	{
		adminGroup.POST("/install/:line", adminHandler.InstallLatest)
	}

	bg := &BackgroundServices{
		flushJob:     flushJob,
		flushStarted: flushStarted,
		rateLimiters: rateLimiters,
	}

	return router, bg, nil
}

// healthCheckHandler reports liveness: database reachable and the version
// store's last write healthy.
func healthCheckHandler(db *sql.DB, store *versions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		if !store.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "version store degraded",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service should receive traffic. The
// same checks as liveness apply; kept as a separate endpoint so deployment
// gates and liveness probes can diverge later without breaking clients.
func readinessHandler(db *sql.DB, store *versions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if store.Healthy() {
			checks["version_store"] = "healthy"
		} else {
			checks["version_store"] = "degraded"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the server version.
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":            "1.0.0",
			"repository_version": updaterepo.RepositoryVersion,
		})
	}
}

// LoggerMiddleware provides structured request logging through slog. The
// output format (JSON or text) follows the handler installed by
// telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
