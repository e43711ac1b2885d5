package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const adminToken = "super-secret-admin-token"

func newAdminRouter(t *testing.T, tokenHash string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AdminTokenMiddleware(tokenHash))
	r.POST("/admin/install/:line", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func adminTokenHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func doAdminRequest(r *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/install/cloudnet", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminTokenMiddleware_ValidToken(t *testing.T) {
	r := newAdminRouter(t, adminTokenHash(t))

	w := doAdminRequest(r, "Bearer "+adminToken)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAdminTokenMiddleware_MissingToken(t *testing.T) {
	r := newAdminRouter(t, adminTokenHash(t))

	w := doAdminRequest(r, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if got := w.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate = %q, want Bearer", got)
	}
}

func TestAdminTokenMiddleware_WrongToken(t *testing.T) {
	r := newAdminRouter(t, adminTokenHash(t))

	w := doAdminRequest(r, "Bearer not-the-token")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAdminTokenMiddleware_BasicSchemeRejected(t *testing.T) {
	r := newAdminRouter(t, adminTokenHash(t))

	w := doAdminRequest(r, "Basic "+adminToken)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAdminTokenMiddleware_EmptyHashClosesSurface(t *testing.T) {
	r := newAdminRouter(t, "")

	// Even a request carrying some token is rejected.
	w := doAdminRequest(r, "Bearer "+adminToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
