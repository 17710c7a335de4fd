package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	"go.uber.org/zap"
)

type createPortalSessionRequest struct {
	ReturnURL string `json:"return_url"`
}

type linkCustomerRequest struct {
	Provider           string `json:"provider"`
	ExternalCustomerID string `json:"external_customer_id"`
	Email              string `json:"email"`
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createPortalSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	returnURL := strings.TrimSpace(req.ReturnURL)
	if returnURL == "" {
		returnURL = strings.TrimSpace(s.portalReturnURL)
	}
	if returnURL == "" {
		AbortWithError(c, newValidationError("return_url", "invalid_return_url", "return_url is required"))
		return
	}

	ctx := c.Request.Context()
	customer, err := s.customerSvc.GetByTenant(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.billingClient.CreatePortalSession(ctx, customer.ExternalCustomerID, returnURL)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.audit(ctx, tenantID, auditdomain.ActionPortalSessionCreated, "billing_portal", session.ID, map[string]any{
		"provider":    customer.Provider,
		"customer_id": customer.ExternalCustomerID,
	})

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) LinkCustomer(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req linkCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" && s.billingClient != nil {
		provider = s.billingClient.Name()
	}

	ctx := c.Request.Context()
	customer, err := s.customerSvc.Link(ctx, customerdomain.LinkCustomerRequest{
		TenantID:           tenantID,
		Provider:           provider,
		ExternalCustomerID: strings.TrimSpace(req.ExternalCustomerID),
		Email:              strings.TrimSpace(req.Email),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.audit(ctx, tenantID, auditdomain.ActionCustomerLinked, "billing_customer", customer.ExternalCustomerID, map[string]any{
		"provider": customer.Provider,
		"email":    customer.Email,
	})

	c.JSON(http.StatusOK, gin.H{"data": customer})
}

func (s *Server) GetCustomer(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	customer, err := s.customerSvc.GetByTenant(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": customer})
}

func (s *Server) audit(ctx context.Context, tenantID snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, &tenantID, "", nil, action, targetType, &targetID, metadata); err != nil && !errors.Is(err, context.Canceled) {
		logger.FromContext(ctx).Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
