package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
)

type upsertOverrideRequest struct {
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Reason    string          `json:"reason"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

func (r upsertOverrideRequest) toDomain() overridedomain.UpsertOverrideRequest {
	return overridedomain.UpsertOverrideRequest{
		Kind:      strings.TrimSpace(r.Kind),
		Key:       strings.TrimSpace(r.Key),
		Value:     r.Value,
		Reason:    strings.TrimSpace(r.Reason),
		ExpiresAt: r.ExpiresAt,
	}
}

func (s *Server) ListTenantOverrides(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.overrideSvc.ListForTenant(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) UpsertTenantOverride(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req upsertOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	in := req.toDomain()
	in.TenantID = &tenantID

	item, err := s.overrideSvc.Upsert(c.Request.Context(), in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListTierOverrides(c *gin.Context) {
	items, err := s.overrideSvc.ListForTier(c.Request.Context(), strings.ToUpper(strings.TrimSpace(c.Param("tier"))))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) UpsertTierOverride(c *gin.Context) {
	var req upsertOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	in := req.toDomain()
	in.Tier = c.Param("tier")

	item, err := s.overrideSvc.Upsert(c.Request.Context(), in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) DeleteOverride(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid override id"))
		return
	}

	item, err := s.overrideSvc.Delete(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
