package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloudnetservice/updateserver/internal/telemetry"
)

func newMetricsRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/versions/:line/repository", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestMetricsMiddleware_RecordsRouteTemplate(t *testing.T) {
	r := newMetricsRouter()

	before := testutil.ToFloat64(telemetry.HTTPRequestsTotal.WithLabelValues(
		http.MethodGet, "/versions/:line/repository", "200"))

	req := httptest.NewRequest(http.MethodGet, "/versions/cloudnet/repository", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	after := testutil.ToFloat64(telemetry.HTTPRequestsTotal.WithLabelValues(
		http.MethodGet, "/versions/:line/repository", "200"))

	// The label is the route template, not the raw URL with the line name.
	if after != before+1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}

func TestMetricsMiddleware_UnmatchedRouteUsesPlaceholder(t *testing.T) {
	r := newMetricsRouter()

	before := testutil.ToFloat64(telemetry.HTTPRequestsTotal.WithLabelValues(
		http.MethodGet, "<no-route>", "404"))

	req := httptest.NewRequest(http.MethodGet, "/does/not/exist", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	after := testutil.ToFloat64(telemetry.HTTPRequestsTotal.WithLabelValues(
		http.MethodGet, "<no-route>", "404"))

	if after != before+1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}
