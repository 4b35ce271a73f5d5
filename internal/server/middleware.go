package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/pkg/models"
)

const userIDCtxKey = "user_id"

func (s *Server) authMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		s.abort(c, models.NewError(models.ErrNotAuthenticated, "", "authorization header required"))
		return
	}

	const bearerPrefix = "Bearer"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != bearerPrefix {
		s.abort(c, models.NewError(models.ErrNotAuthenticated, "", "invalid authorization header"))
		return
	}

	claims, err := identity.ParseToken(parts[1], s.signingKey)
	if err != nil {
		s.logger.Debug().Err(err).Msg("rejected token")
		s.abort(c, err)
		return
	}

	c.Set(userIDCtxKey, claims.Subject)
	c.Next()
}

func userID(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDCtxKey)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	id, _ := v.(string)
	return id, id != ""
}
