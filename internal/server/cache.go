package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/auditcontext"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
)

type invalidateCacheRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) InvalidateTenantCache(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req invalidateCacheRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := auditcontext.WithReason(c.Request.Context(), strings.TrimSpace(req.Reason))
	if err := s.dispatcher.Invalidate(ctx, tenantID, invalidationdomain.ReasonManual, manualInvalidationMetadata(req)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"tenant_id": tenantID.String(), "invalidated": true}})
}

func (s *Server) InvalidateAllCaches(c *gin.Context) {
	var req invalidateCacheRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := auditcontext.WithReason(c.Request.Context(), strings.TrimSpace(req.Reason))
	if err := s.dispatcher.InvalidateAll(ctx, invalidationdomain.ReasonManual, manualInvalidationMetadata(req)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"invalidated": true}})
}

func manualInvalidationMetadata(req invalidateCacheRequest) map[string]any {
	metadata := map[string]any{"source": "api"}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata["note"] = reason
	}
	return metadata
}
