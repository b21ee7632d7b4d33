package auth

import (
	"net/http"
	"strings"
	"time"

	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	apiKeyHeader        = "X-Api-Key"
	bearerPrefix        = "Bearer "

	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"

	// APIKeyUserID identifies callers authenticated by the shared operator key,
	// typically campaign backends starting calls on behalf of an activist.
	APIKeyUserID = "api-key"
	apiKeyRole   = "operator"
)

// RequireAccessToken authenticates operator requests and injects the identity
// into the request context and the request logger.
//
// A bearer access token is preferred; X-Api-Key with the operator key is
// accepted for machine clients and grants the operator role.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := authenticate(m, c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing credentials"})
			return
		}

		c.Request = c.Request.WithContext(withIdentity(c.Request.Context(), id))
		logger.Attach(c, logger.FromGin(c).With("user_id", id.UserID, "role", id.Role))

		c.Next()
	}
}

func authenticate(m *Manager, c *gin.Context) (Identity, bool) {
	if raw := strings.TrimSpace(c.GetHeader(authorizationHeader)); raw != "" {
		if !strings.HasPrefix(raw, bearerPrefix) {
			return Identity{}, false
		}
		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			return Identity{}, false
		}
		return Identity{UserID: claims.UserID, Role: claims.Role, Method: MethodJWT}, true
	}
	if key := c.GetHeader(apiKeyHeader); key != "" && m.CheckAPIKey(key) {
		return Identity{UserID: APIKeyUserID, Role: apiKeyRole, Method: MethodAPIKey}, true
	}
	return Identity{}, false
}
