package middleware

import (
	"net/http"
	"strings"

	"callengine/internal/core/domain"
	"callengine/pkg/auth"
	"callengine/pkg/errors"
	"callengine/pkg/logger"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// AuthMiddleware requires a bearer token. WebSocket clients that cannot set
// headers may pass it as the "token" query parameter instead.
func AuthMiddleware(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			abortWithError(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(userIDKey, domain.UserID(claims.UserID))
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

// RequireUserMiddleware admits only requests authenticated as user. It must
// run after AuthMiddleware.
func RequireUserMiddleware(user domain.UserID) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticated, ok := UserFromContext(c); !ok || authenticated != user {
			abortWithError(c, errors.NewAppError(errors.ErrCodeNotAuthorized, "token does not belong to this agent", http.StatusForbidden))
			return
		}
		c.Next()
	}
}

// UserFromContext returns the user set by AuthMiddleware.
func UserFromContext(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	user, ok := v.(domain.UserID)
	return user, ok && user != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}
