package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// UserIDHeader carries the numeric owner id set by the auth proxy in
	// front of this service.
	UserIDHeader = "X-Forge-User-Id"

	ownerKey = "owner-id"
)

// IdentityMiddleware extracts the caller's owner id from the proxy header.
// Requests without one run as owner 0, matching rows created before the
// proxy existed.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := 0
		if raw := c.GetHeader(UserIDHeader); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				ownerID = parsed
			}
		}
		c.Set(ownerKey, ownerID)
		c.Next()
	}
}

// GetOwnerID retrieves the caller's owner id from the Gin context.
func GetOwnerID(c *gin.Context) int {
	owner, exists := c.Get(ownerKey)
	if !exists {
		return 0
	}
	return owner.(int)
}

// CORSMiddleware handles CORS for the browser frontend.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, "+
				"Authorization, accept, origin, Cache-Control, X-Requested-With, "+
				UserIDHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods",
			"POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
