package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudnetservice/updateserver/internal/db/models"
	"github.com/cloudnetservice/updateserver/internal/stats"
	"github.com/cloudnetservice/updateserver/internal/versions"
)

type fakeVersionRepo struct {
	rows []*models.VersionRow
}

func (f *fakeVersionRepo) Replace(_ context.Context, row *models.VersionRow) error {
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeVersionRepo) UpdatePayload(context.Context, *models.VersionRow) error { return nil }

func (f *fakeVersionRepo) ListAll(context.Context) ([]*models.VersionRow, error) {
	return f.rows, nil
}

type statsFixture struct {
	router         *gin.Engine
	collector      *stats.Collector
	reportLimiter  *stats.RateLimiter
	countryLimiter *stats.RateLimiter
}

// newStatsFixture builds a router with generous limiter quotas so individual
// tests exhaust them deliberately.
func newStatsFixture(t *testing.T) *statsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := versions.NewStore(&fakeVersionRepo{})
	if !store.Init(context.Background()) {
		t.Fatal("store init failed")
	}
	if err := store.RegisterVersion(context.Background(), "cloudnet", &versions.Version{
		Name:        "3.4.0",
		ReleaseDate: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	collector := stats.NewCollector()
	collector.EnsureLine("cloudnet")

	reportLimiter := stats.NewRateLimiter(100, time.Hour, "minute")
	t.Cleanup(reportLimiter.Stop)
	countryLimiter := stats.NewRateLimiter(100, time.Hour, "hour")
	t.Cleanup(countryLimiter.Stop)

	handler := NewHandler(collector, store, reportLimiter, countryLimiter)
	r := gin.New()
	r.POST("/stats/version", handler.ServerVersion)
	r.POST("/stats/runtime", handler.RuntimeVersion)
	r.POST("/stats/product", handler.ProductVersion)
	r.POST("/stats/country", handler.Country)
	r.POST("/stats/platform", handler.Platform)

	return &statsFixture{
		router:         r,
		collector:      collector,
		reportLimiter:  reportLimiter,
		countryLimiter: countryLimiter,
	}
}

func report(r *gin.Engine, path, cloudID string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if cloudID != "" {
		req.Header.Set(CloudIDHeader, cloudID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServerVersionReport(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/version", "cloudnet:inst-1", map[string]string{"X-Server-Version": "3.4.0"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	agg := fx.collector.LineAggregate("cloudnet")
	if agg.ServerVersions["inst-1"] != "3.4.0" {
		t.Errorf("recorded version = %q, want 3.4.0", agg.ServerVersions["inst-1"])
	}
	if agg.Installs != 1 {
		t.Errorf("Installs = %d, want 1", agg.Installs)
	}
}

func TestReport_MissingCloudID(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/version", "", map[string]string{"X-Server-Version": "3.4.0"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = report(fx.router, "/stats/version", "no-separator", map[string]string{"X-Server-Version": "3.4.0"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed id", w.Code)
	}
}

func TestServerVersionReport_FieldLimits(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/version", "cloudnet:inst-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing header", w.Code)
	}

	w = report(fx.router, "/stats/version", "cloudnet:inst-1",
		map[string]string{"X-Server-Version": "3.4.0-SNAPSHOT"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized value", w.Code)
	}
}

func TestRuntimeReport(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/runtime", "cloudnet:inst-1", map[string]string{"X-Runtime-Version": "21"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	// Non-numeric and oversized values are rejected.
	for _, bad := range []string{"xy", "171"} {
		w = report(fx.router, "/stats/runtime", "cloudnet:inst-1", map[string]string{"X-Runtime-Version": bad})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status for %q = %d, want 400", bad, w.Code)
		}
	}
}

func TestProductReport_RequiresStoredVersion(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/product", "cloudnet:inst-1", map[string]string{"X-Product-Version": "3.4.0"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for stored version", w.Code)
	}

	w = report(fx.router, "/stats/product", "cloudnet:inst-1", map[string]string{"X-Product-Version": "9.9.9"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invented version", w.Code)
	}
}

func TestCountryReport(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/country", "cloudnet:inst-1", map[string]string{"X-Country": "Germany"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := fx.collector.LineAggregate("cloudnet").Countries["inst-1"]; got != "Germany" {
		t.Errorf("recorded country = %q, want Germany", got)
	}
}

func TestCountryReport_DisallowedValueBlocksSender(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/country", "cloudnet:inst-1", map[string]string{"X-Country": "<script>x</script>"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for disallowed value", w.Code)
	}

	// The identity is blocked for the rest of the window, so even a clean
	// report is now rejected with 429.
	w = report(fx.router, "/stats/country", "cloudnet:inst-1", map[string]string{"X-Country": "Germany"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status after block = %d, want 429", w.Code)
	}

	// Other identities are unaffected.
	w = report(fx.router, "/stats/country", "cloudnet:inst-2", map[string]string{"X-Country": "Germany"})
	if w.Code != http.StatusOK {
		t.Errorf("status for other identity = %d, want 200", w.Code)
	}
}

func TestPlatformReport(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/platform", "cloudnet:inst-1", map[string]string{"X-Platform": "PaperMC"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	// Reported aliases are folded onto the canonical platform name.
	if got := fx.collector.LineAggregate("cloudnet").Platforms["inst-1"]; got != "paper" {
		t.Errorf("recorded platform = %q, want paper", got)
	}

	w = report(fx.router, "/stats/platform", "cloudnet:inst-1", map[string]string{"X-Platform": "forge"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown platform", w.Code)
	}
}

func TestReport_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := versions.NewStore(&fakeVersionRepo{})
	store.Init(context.Background())
	collector := stats.NewCollector()
	collector.EnsureLine("cloudnet")

	reportLimiter := stats.NewRateLimiter(1, time.Hour, "minute")
	t.Cleanup(reportLimiter.Stop)
	countryLimiter := stats.NewRateLimiter(1, time.Hour, "hour")
	t.Cleanup(countryLimiter.Stop)

	handler := NewHandler(collector, store, reportLimiter, countryLimiter)
	r := gin.New()
	r.POST("/stats/version", handler.ServerVersion)

	headers := map[string]string{"X-Server-Version": "3.4.0"}
	if w := report(r, "/stats/version", "cloudnet:inst-1", headers); w.Code != http.StatusOK {
		t.Fatalf("first report: status = %d, want 200", w.Code)
	}

	w := report(r, "/stats/version", "cloudnet:inst-1", headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second report: status = %d, want 429", w.Code)
	}
	// The body states the quota and the singular unit name.
	body := w.Body.String()
	if !strings.Contains(body, "1") || !strings.Contains(body, "minute") {
		t.Errorf("429 body = %q, want quota and unit name", body)
	}
}

func TestReport_EndpointQuotasAreIndependent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := versions.NewStore(&fakeVersionRepo{})
	store.Init(context.Background())
	collector := stats.NewCollector()
	collector.EnsureLine("cloudnet")

	reportLimiter := stats.NewRateLimiter(1, time.Hour, "minute")
	t.Cleanup(reportLimiter.Stop)
	countryLimiter := stats.NewRateLimiter(1, time.Hour, "hour")
	t.Cleanup(countryLimiter.Stop)

	handler := NewHandler(collector, store, reportLimiter, countryLimiter)
	r := gin.New()
	r.POST("/stats/version", handler.ServerVersion)
	r.POST("/stats/runtime", handler.RuntimeVersion)

	// An instance reporting all of its facts in one burst stays within each
	// endpoint's own quota.
	w := report(r, "/stats/version", "cloudnet:inst-1", map[string]string{"X-Server-Version": "3.4.0"})
	if w.Code != http.StatusOK {
		t.Fatalf("version report: status = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = report(r, "/stats/runtime", "cloudnet:inst-1", map[string]string{"X-Runtime-Version": "21"})
	if w.Code != http.StatusOK {
		t.Fatalf("runtime report after version report: status = %d, want 200: %s", w.Code, w.Body.String())
	}

	// Repeating a fact on the same endpoint exhausts that endpoint's quota.
	w = report(r, "/stats/version", "cloudnet:inst-1", map[string]string{"X-Server-Version": "3.4.0"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second version report: status = %d, want 429", w.Code)
	}
}

func TestCountryReport_ChargedAgainstReportQuota(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := versions.NewStore(&fakeVersionRepo{})
	store.Init(context.Background())
	collector := stats.NewCollector()
	collector.EnsureLine("cloudnet")

	reportLimiter := stats.NewRateLimiter(1, time.Hour, "minute")
	t.Cleanup(reportLimiter.Stop)
	countryLimiter := stats.NewRateLimiter(100, time.Hour, "hour")
	t.Cleanup(countryLimiter.Stop)

	handler := NewHandler(collector, store, reportLimiter, countryLimiter)
	r := gin.New()
	r.POST("/stats/country", handler.Country)

	headers := map[string]string{"X-Country": "Germany"}
	if w := report(r, "/stats/country", "cloudnet:inst-1", headers); w.Code != http.StatusOK {
		t.Fatalf("first report: status = %d, want 200: %s", w.Code, w.Body.String())
	}

	// The ordinary report quota applies before the country quota, so the
	// second report is rejected although the country quota is unspent.
	w := report(r, "/stats/country", "cloudnet:inst-1", headers)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second report: status = %d, want 429", w.Code)
	}
}

func TestReport_UnknownLine(t *testing.T) {
	fx := newStatsFixture(t)

	w := report(fx.router, "/stats/version", "unknown-line:inst-1", map[string]string{"X-Server-Version": "3.4.0"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown line", w.Code)
	}
}
