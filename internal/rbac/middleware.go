package rbac

import (
	"net/http"

	"callbridge/internal/auth"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Require allows the request when the caller's role holds p.
// 401 when no role is present, 403 when the role lacks p.
func Require(p Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Can(role, p) {
			logger.FromGin(c).Warn("permission denied", "role", role, "permission", string(p))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
