package sim

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tably-dev/tably-go/internal/auth"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/rest"
)

const (
	ctxKeyUserID = "user_id"
	ctxKeyTenant = "tenant"
	ctxKeyRole   = "role"
)

// authMiddleware validates the bearer token and stashes its claims for the
// handlers. Invalid or missing tokens abort with 401, which is the status
// the SDK's interceptor keys its refresh-and-retry on.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ctxKeyUserID, claims.UserID)
		c.Set(ctxKeyTenant, claims.Tenant)
		c.Set(ctxKeyRole, claims.Role)
		c.Next()
	}
}

// effectiveTenant resolves which tenant a handler operates on. Regular
// users must present a tenant header matching their token's tenant claim;
// a superadmin may address any tenant via the header alone.
func effectiveTenant(c *gin.Context) (string, bool) {
	role := c.GetString(ctxKeyRole)
	claimTenant := c.GetString(ctxKeyTenant)
	headerTenant := c.GetHeader(rest.HeaderTenant)

	if role == models.RoleSuperadmin {
		if headerTenant == "" {
			headerTenant = claimTenant
		}
		return headerTenant, true
	}

	if headerTenant == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing tenant header"})
		return "", false
	}
	if headerTenant != claimTenant {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tenant mismatch"})
		return "", false
	}
	return headerTenant, true
}
