// Package stats exposes the client telemetry report endpoints. Deployed
// instances identify themselves with a CloudNet-ID header and push one fact
// per request; everything is rate limited per identity.
package stats

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudnetservice/updateserver/internal/stats"
	"github.com/cloudnetservice/updateserver/internal/telemetry"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

// CloudIDHeader carries the reporting identity as <line>:<instance>.
const CloudIDHeader = "CloudNet-ID"

// Field length limits. Reports are self-declared by untrusted clients, so
// everything is capped hard before it reaches the aggregate maps.
const (
	maxServerVersionLen  = 9
	maxRuntimeVersionLen = 2
	maxProductVersionLen = 19
	maxCountryLen        = 49
)

// countryPattern accepts plain country names. Anything else is treated as a
// probe and gets the sender blocked for the rest of the window.
var countryPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z .'-]*$`)

// Handler accepts client telemetry reports.
type Handler struct {
	collector *stats.Collector
	store     *versions.Store
	// reportLimiter counters are keyed by endpoint plus identity, so every
	// endpoint carries its own quota per sender. countryLimiter adds the
	// stricter per-window cap on country reports on top of that.
	reportLimiter  *stats.RateLimiter
	countryLimiter *stats.RateLimiter
}

// NewHandler creates the telemetry report handler.
func NewHandler(collector *stats.Collector, store *versions.Store, reportLimiter, countryLimiter *stats.RateLimiter) *Handler {
	return &Handler{
		collector:      collector,
		store:          store,
		reportLimiter:  reportLimiter,
		countryLimiter: countryLimiter,
	}
}

// admit parses the reporting identity and charges the endpoint's report
// quota. The counter key scopes the identity to the matched route, so an
// instance pushing its version fact never eats into its runtime fact quota.
// admit writes the error response itself and returns nil when the request
// must not proceed.
func (h *Handler) admit(c *gin.Context) *stats.CloudID {
	id, err := stats.ParseCloudID(c.GetHeader(CloudIDHeader), c.ClientIP())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or malformed CloudNet-ID header"})
		return nil
	}

	if !h.charge(c, h.reportLimiter, c.FullPath()+" "+c.GetHeader(CloudIDHeader)) {
		return nil
	}

	return id
}

// charge runs one limiter test and writes the 429 response on rejection.
func (h *Handler) charge(c *gin.Context, limiter *stats.RateLimiter, key string) bool {
	if err := limiter.Test(key); err != nil {
		var rlErr *stats.RateLimitError
		if errors.As(err, &rlErr) {
			telemetry.RateLimitRejectionsTotal.WithLabelValues(c.FullPath()).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": rlErr.Error()})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter failure"})
		return false
	}
	return true
}

// record applies the report and maps an unknown product line to 404.
func (h *Handler) record(c *gin.Context, line, field string, apply func() error) {
	if err := apply(); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown product line"})
		return
	}
	telemetry.ClientReportsTotal.WithLabelValues(line, field).Inc()
	c.JSON(http.StatusOK, gin.H{"message": "report accepted"})
}

// ServerVersion handles POST /stats/version with an X-Server-Version header.
func (h *Handler) ServerVersion(c *gin.Context) {
	id := h.admit(c)
	if id == nil {
		return
	}

	version := c.GetHeader("X-Server-Version")
	if version == "" || len(version) > maxServerVersionLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or oversized X-Server-Version header"})
		return
	}

	h.record(c, id.ParentName, "version", func() error {
		return h.collector.RecordServerVersion(id, version)
	})
}

// RuntimeVersion handles POST /stats/runtime with an X-Runtime-Version
// header carrying the numeric JVM major version.
func (h *Handler) RuntimeVersion(c *gin.Context) {
	id := h.admit(c)
	if id == nil {
		return
	}

	version := c.GetHeader("X-Runtime-Version")
	if version == "" || len(version) > maxRuntimeVersionLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or oversized X-Runtime-Version header"})
		return
	}
	if _, err := strconv.Atoi(version); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runtime version must be numeric"})
		return
	}

	h.record(c, id.ParentName, "runtime", func() error {
		return h.collector.RecordRuntimeVersion(id, version)
	})
}

// ProductVersion handles POST /stats/product with an X-Product-Version
// header. The reported version must actually be stored for the line, so
// clients cannot pollute the aggregate with invented release names.
func (h *Handler) ProductVersion(c *gin.Context) {
	id := h.admit(c)
	if id == nil {
		return
	}

	version := c.GetHeader("X-Product-Version")
	if version == "" || len(version) > maxProductVersionLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or oversized X-Product-Version header"})
		return
	}
	if h.store.GetVersion(id.ParentName, version) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown product version"})
		return
	}

	h.record(c, id.ParentName, "product", func() error {
		return h.collector.RecordProductVersion(id, version)
	})
}

// Country handles POST /stats/country with an X-Country header. Country
// reports carry free text, so the stricter country quota applies on top of
// the ordinary per-endpoint report quota.
func (h *Handler) Country(c *gin.Context) {
	id := h.admit(c)
	if id == nil {
		return
	}
	if !h.charge(c, h.countryLimiter, c.GetHeader(CloudIDHeader)) {
		return
	}

	country := c.GetHeader("X-Country")
	if country == "" || len(country) > maxCountryLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or oversized X-Country header"})
		return
	}
	if !countryPattern.MatchString(country) {
		// A value that cannot be a country name is a probe; block the
		// identity for the rest of the window.
		h.countryLimiter.Block(c.GetHeader(CloudIDHeader))
		c.JSON(http.StatusForbidden, gin.H{"error": "disallowed country value"})
		return
	}

	h.record(c, id.ParentName, "country", func() error {
		return h.collector.RecordCountry(id, country)
	})
}

// Platform handles POST /stats/platform with an X-Platform header. Reported
// values are folded onto the fixed platform enumeration; unknown platforms
// are rejected.
func (h *Handler) Platform(c *gin.Context) {
	id := h.admit(c)
	if id == nil {
		return
	}

	platform, ok := stats.ResolvePlatform(c.GetHeader("X-Platform"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform"})
		return
	}

	h.record(c, id.ParentName, "platform", func() error {
		return h.collector.RecordPlatform(id, platform)
	})
}
