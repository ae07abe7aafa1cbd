package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-assessment/internal/response"
)

// ContextKeySessionID is the Gin context key for the parsed :session_id.
const ContextKeySessionID = "session_id"

// SessionAuthorizer reports whether a session belongs to an examinee.
type SessionAuthorizer interface {
	Authorize(ctx context.Context, sessionID uuid.UUID, examineeID string) error
}

// RequireSessionOwner parses :session_id and rejects examinees that do not
// own the session. It must run after RequireExaminee.
func RequireSessionOwner(authz SessionAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		id, ok := parseSessionID(c)
		if !ok {
			return
		}

		if err := authz.Authorize(c.Request.Context(), id, claims.Subject); err != nil {
			status, code := response.Classify(err)
			if status == http.StatusInternalServerError {
				response.Logger(c).Error().Err(err).Str("session_id", id.String()).Msg("Failed to authorize session")
			}
			response.AbortFail(c, status, code)
			return
		}

		c.Set(ContextKeySessionID, id)
		c.Next()
	}
}

// ParseSessionID parses :session_id for routes without an owner check.
func ParseSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseSessionID(c)
		if !ok {
			return
		}
		c.Set(ContextKeySessionID, id)
		c.Next()
	}
}

// GetSessionID returns the session id stored by RequireSessionOwner or
// ParseSessionID.
func GetSessionID(c *gin.Context) uuid.UUID {
	val, _ := c.Get(ContextKeySessionID)
	id, _ := val.(uuid.UUID)
	return id
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.AbortFail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
