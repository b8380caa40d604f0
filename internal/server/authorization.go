package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/staykey/internal/authorization"
	obscontext "github.com/smallbiznis/staykey/internal/observability/context"
)

type ActorType string

const (
	ActorAdminToken ActorType = "admin_token"
	ActorSystem     ActorType = "system"
)

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeActionWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, strings.TrimSpace(object), strings.TrimSpace(action))
}

// setActor stores the casbin subject on the gin context and the actor
// identity on the request context for logs and activity entries.
func (s *Server) setActor(c *gin.Context, actor string, name string) {
	actorType := ActorAdminToken
	if actor == authorization.ActorSystem {
		actorType = ActorSystem
	}
	c.Set(contextActorKey, actor)
	c.Set(contextTokenNameKey, name)
	ctx := obscontext.WithActor(c.Request.Context(), string(actorType), name)
	c.Request = c.Request.WithContext(ctx)
}

func actorFromContext(c *gin.Context) (string, bool) {
	if c == nil {
		return "", false
	}
	value, ok := c.Get(contextActorKey)
	if !ok {
		return "", false
	}
	actor, ok := value.(string)
	if !ok || strings.TrimSpace(actor) == "" {
		return "", false
	}
	return actor, true
}
