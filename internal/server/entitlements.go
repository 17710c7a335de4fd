package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetEntitlements(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.featureAccess.GetEntitlements(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) GetFeature(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	feature := strings.TrimSpace(c.Param("feature"))
	c.Set("feature", feature)

	enabled, err := s.featureAccess.HasFeature(c.Request.Context(), tenantID, feature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"feature": feature,
		"enabled": enabled,
	}})
}

func (s *Server) CheckLimit(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	current, err := parseOptionalInt(c.Query("current"))
	if err != nil || (current != nil && *current < 0) {
		AbortWithError(c, newValidationError("current", "invalid_current", "current must be a non-negative integer"))
		return
	}
	value := 0
	if current != nil {
		value = *current
	}

	check, err := s.featureAccess.CheckLimit(c.Request.Context(), tenantID, c.Param("limit"), value)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": check})
}
