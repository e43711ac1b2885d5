package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminTokenMiddleware returns a Gin handler guarding administrative routes
// with a static bearer token. tokenHash is the bcrypt hash of the expected
// token, taken from the configuration; the plaintext token is never stored
// server-side.
//
// An empty tokenHash disables the admin surface entirely: every request is
// rejected with 403 so a missing configuration can never mean "open".
func AdminTokenMiddleware(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "administrative endpoints are disabled",
			})
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid admin token",
			})
			return
		}

		c.Next()
	}
}
