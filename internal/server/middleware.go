package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/staykey/internal/authorization"
	obslogger "github.com/smallbiznis/staykey/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	contextActorKey     = "actor"
	contextTokenNameKey = "token_name"
)

// CronSecretRequired admits job triggers carrying "Bearer <CRON_SECRET>".
// An unset secret rejects every request.
func (s *Server) CronSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(s.cfg.CronSecret)
		token, ok := bearerToken(c)
		if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			s.obsMetrics.RecordJobTrigger(c.Request.Context(), c.Param("job"), "unauthorized")
			obslogger.WithContext(c.Request.Context(), s.log).Warn("job trigger rejected",
				zap.String("job", c.Param("job")),
				zap.Bool("secret_configured", secret != ""),
			)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		s.setActor(c, authorization.ActorSystem, "cron")
		c.Next()
	}
}

// AdminTokenRequired resolves the bearer token to a configured admin token.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		name, found := s.matchAdminToken(token)
		if !found {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		s.setActor(c, authorization.TokenActor(name), name)
		c.Next()
	}
}

// matchAdminToken compares against every configured token so timing does not
// reveal which entry matched.
func (s *Server) matchAdminToken(token string) (string, bool) {
	var (
		name  string
		found bool
	)
	for _, candidate := range s.cfg.AdminTokens {
		if candidate.Token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate.Token)) == 1 && !found {
			name = candidate.Name
			found = true
		}
	}
	return name, found
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}
