package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gin context keys set by RequestIDMiddleware.
const (
	ContextKeyRequestID = "request_id"
	ContextKeyLogger    = "request_logger"
)

// RequestIDMiddleware tags every request with an id, echoes it in the
// X-Request-ID header and stores a logger carrying it.
func RequestIDMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		reqLog := log.With().Str("request_id", reqID).Logger()
		c.Set(ContextKeyLogger, &reqLog)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

// Logger returns the request-scoped logger, or a no-op logger when the
// middleware was not installed.
func Logger(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ContextKeyLogger); ok {
		if l, ok := v.(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	nop := zerolog.Nop()
	return &nop
}
