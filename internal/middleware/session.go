package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// SessionValidator checks a token's jti against the active session.
type SessionValidator interface {
	ValidateSession(ctx context.Context, userID int, jti string) error
}

// CheckSingleDeviceSession rejects tokens that are no longer the user's
// active session, so a test runs on one device at a time.
func CheckSingleDeviceSession(sessions SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := mustClaims(c)
		if err != nil {
			return
		}

		if err := sessions.ValidateSession(c.Request.Context(), claims.UserID, claims.ID); err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
			return
		}

		c.Next()
	}
}
