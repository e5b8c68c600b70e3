package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the operator secret on admin routes.
const AdminHeader = "X-Admin-Secret"

// AdminMiddleware guards operator routes with a shared secret. With an empty
// secret the routes are open only outside production.
func AdminMiddleware(secret string, production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if production {
				abortUnauthorized(c, "admin routes are disabled")
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			abortUnauthorized(c, "invalid admin secret")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"message": msg, "code": "UNAUTHORIZED"},
	})
}
