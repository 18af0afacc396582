package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires a bearer token on every API request. The stub
// server trusts the token as-is and uses it as the caller's nickname.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		c.Set("nickname", token)
		c.Next()
	}
}

// BearerToken extracts the bearer credential from the Authorization header,
// falling back to a token query parameter for websocket handshakes.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}
