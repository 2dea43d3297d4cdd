package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderPrivateToken is the header destination installations authenticate with.
const HeaderPrivateToken = "PRIVATE-TOKEN"

// RequireToken rejects requests whose PRIVATE-TOKEN header does not match
// token. An empty token disables the check.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader(HeaderPrivateToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "401 Unauthorized"})
			return
		}
		c.Next()
	}
}
