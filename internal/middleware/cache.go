package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of session responses. Countdown and result data
// change on every request and must never be served from a proxy cache.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
