package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"

	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/jwt"
	"skillswap-backend/pkg/response"
)

// Identity reads the caller from the X-User-ID and X-User-Name headers set
// by the gateway in front of the service
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			response.FromError(c, apperrors.UnauthorizedError("X-User-ID header required"))
			c.Abort()
			return
		}
		c.Set("user_id", userID)
		c.Set("user_name", strings.TrimSpace(c.GetHeader("X-User-Name")))
		c.Next()
	}
}

// RoomAuth admits a websocket to the room named by the :room parameter.
// The token comes from the "token" query parameter, since browsers cannot
// set headers on websocket upgrades, or from a Bearer Authorization header.
func RoomAuth(tokens *jwt.RoomTokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			response.FromError(c, apperrors.UnauthorizedError("room token required"))
			c.Abort()
			return
		}

		claims, err := tokens.ValidateForRoom(token, c.Param("room"))
		switch {
		case errors.Is(err, gojwt.ErrTokenExpired):
			response.FromError(c, apperrors.ExpiredTokenError())
			c.Abort()
			return
		case err != nil:
			response.FromError(c, apperrors.InvalidTokenError("invalid room token"))
			c.Abort()
			return
		}

		c.Set("identity", claims.Identity)
		c.Next()
	}
}
