package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	trialdomain "github.com/smallbiznis/entitlements/internal/trial/domain"
)

func (s *Server) StartTrial(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req trialdomain.StartTrialRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = tenantID
	req.ConfigCode = strings.TrimSpace(req.ConfigCode)

	trial, err := s.trialSvc.StartTrial(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": trial})
}

func (s *Server) ExtendTrial(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req trialdomain.ExtendTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = tenantID

	trial, err := s.trialSvc.ExtendTrial(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": trial})
}

func (s *Server) CancelTrial(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req trialdomain.CancelTrialRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = tenantID

	trial, err := s.trialSvc.CancelTrial(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": trial})
}

func (s *Server) ConvertTrial(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req trialdomain.ConvertTrialRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = tenantID
	req.PriceID = strings.TrimSpace(req.PriceID)

	trial, err := s.trialSvc.ConvertTrialToPaid(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": trial})
}

func (s *Server) GetTrial(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	trial, err := s.trialSvc.GetTrial(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": trial})
}

func (s *Server) CheckTrialExpiration(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	expiration, err := s.trialSvc.CheckExpiration(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": expiration})
}

func (s *Server) ListTrialConfigs(c *gin.Context) {
	configs, err := s.trialSvc.ListTrialConfigs(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": configs})
}

func (s *Server) UpsertTrialConfig(c *gin.Context) {
	var req trialdomain.UpsertTrialConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Code = strings.TrimSpace(c.Param("code"))

	cfg, err := s.trialSvc.UpsertTrialConfig(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
