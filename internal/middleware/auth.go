package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"securecall-backend/pkg/jwt"
	"securecall-backend/pkg/response"
)

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// If valid, it sets user_id and username in the Gin context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		validAudience := false
		for _, aud := range claims.Audience {
			if aud == "securecall-api" {
				validAudience = true
				break
			}
		}
		if !validAudience {
			response.Unauthorized(c, "Invalid token audience")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}
