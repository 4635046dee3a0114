package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware allows browser pages on any origin to talk to the broker.
// The overlay script runs on whatever page is being annotated, so the origin
// cannot be known in advance.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware enforces the shared bearer credential when one is
// configured. EventSource cannot set headers, so the key is also accepted as
// an api_key query parameter. Preflight and the health check stay open.
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || c.FullPath() == "/health" {
			c.Next()
			return
		}

		presented := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			presented = strings.TrimPrefix(header, "Bearer ")
		}
		if presented == "" {
			presented = c.Query("api_key")
		}

		if presented != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}
