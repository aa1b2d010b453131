// internal/interfaces/http/middleware/auth.go
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/your-org/pharmacy-backend/internal/pkg/auth"
)

const (
	userIDKey = "user_id"
	tierKey   = "tier"
	claimsKey = "token_claims"
)

// AuthMiddleware requires a valid gateway-issued JWT
func AuthMiddleware(jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		tokenString := auth.ExtractTokenFromHeader(authHeader)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set(tierKey, claims.Tier)
		c.Set(claimsKey, claims)

		c.Next()
	}
}

// StaffMiddleware ensures the caller has the staff tier
func StaffMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, ok := GetTierFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}
		if tier != auth.TierStaff {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Staff access required",
			})
			return
		}
		c.Next()
	}
}

// GetUserIDFromContext extracts user ID from gin context
func GetUserIDFromContext(c *gin.Context) (int64, bool) {
	v, exists := c.Get(userIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// GetTierFromContext extracts the caller tier from gin context
func GetTierFromContext(c *gin.Context) (auth.Tier, bool) {
	v, exists := c.Get(tierKey)
	if !exists {
		return "", false
	}
	tier, ok := v.(auth.Tier)
	return tier, ok
}

// IsStaffFromContext checks if the caller is staff
func IsStaffFromContext(c *gin.Context) bool {
	tier, ok := GetTierFromContext(c)
	return ok && tier == auth.TierStaff
}
