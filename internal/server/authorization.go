package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/auditcontext"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
)

const (
	contextActorKey = "actor"

	actorTypeToken = "token"
)

// TokenRequired authenticates the bearer token and stores the resolved actor
// on the gin and request contexts.
func (s *Server) TokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" || s.authzSvc == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		actor, err := s.authzSvc.ResolveToken(token)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actorID := strings.TrimPrefix(actor, actorTypeToken+":")
		ctx := c.Request.Context()
		ctx = auditcontext.WithActor(ctx, actorTypeToken, actorID)
		ctx = obscontext.WithActor(ctx, actorTypeToken, actorID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func (s *Server) authorizeTenantAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := tenantIDParam(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if err := s.authorize(c, tenantID.String(), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeGlobalAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorize(c, "", object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorize(c *gin.Context, tenantID string, object string, action string) error {
	actor := strings.TrimSpace(c.GetString(contextActorKey))
	if actor == "" {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, tenantID, object, action)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func tenantIDParam(c *gin.Context) (snowflake.ID, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(c.Param("tenant_id")))
	if err != nil || tenantID <= 0 {
		return 0, newValidationError("tenant_id", "invalid_tenant", "invalid tenant id")
	}
	return tenantID, nil
}
