package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/authorization"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/featureaccess"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	trialdomain "github.com/smallbiznis/entitlements/internal/trial/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/entitlements/internal/webhook/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if errors.Is(err, webhookdomain.ErrInvalidWebhookSignature) {
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid webhook signature",
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, usagedomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: err.Error(),
		}
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, featureaccess.ErrFeatureNotEnabled):
		return http.StatusForbidden, errorPayload{
			Type:    "feature_not_enabled",
			Message: "feature not enabled",
		}
	case errors.Is(err, trialdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "invalid trial transition",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, billingdomain.ErrProviderUnavailable),
		errors.Is(err, billingdomain.ErrNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the response type and the most specific code for
// request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, billingdomain.ErrInvalidRequest),
		errors.Is(err, authorization.ErrInvalidTenant),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction),
		errors.Is(err, entitlementdomain.ErrInvalidTenant),
		errors.Is(err, invalidationdomain.ErrInvalidTenant),
		errors.Is(err, featureaccess.ErrInvalidFeature),
		errors.Is(err, featureaccess.ErrInvalidLimit):
		return true
	case isUsageValidationError(err),
		isOverrideValidationError(err),
		isTrialValidationError(err),
		isCustomerValidationError(err),
		isAuditValidationError(err):
		return true
	default:
		return false
	}
}

func isUsageValidationError(err error) bool {
	switch {
	case errors.Is(err, usagedomain.ErrInvalidTenant),
		errors.Is(err, usagedomain.ErrInvalidFeature),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, usagedomain.ErrInvalidIdempotencyKey),
		errors.Is(err, usagedomain.ErrInvalidQuota),
		errors.Is(err, usagedomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isOverrideValidationError(err error) bool {
	switch {
	case errors.Is(err, overridedomain.ErrInvalidOverride),
		errors.Is(err, overridedomain.ErrInvalidScope),
		errors.Is(err, overridedomain.ErrInvalidKind),
		errors.Is(err, overridedomain.ErrInvalidKey),
		errors.Is(err, overridedomain.ErrInvalidReason),
		errors.Is(err, overridedomain.ErrInvalidExpiry):
		return true
	default:
		return false
	}
}

func isTrialValidationError(err error) bool {
	switch {
	case errors.Is(err, trialdomain.ErrInvalidTenant),
		errors.Is(err, trialdomain.ErrInvalidConfig),
		errors.Is(err, trialdomain.ErrInvalidExtension),
		errors.Is(err, trialdomain.ErrNoPrice),
		errors.Is(err, trialdomain.ErrNoCustomer):
		return true
	default:
		return false
	}
}

func isCustomerValidationError(err error) bool {
	switch {
	case errors.Is(err, customerdomain.ErrInvalidTenant),
		errors.Is(err, customerdomain.ErrInvalidProvider),
		errors.Is(err, customerdomain.ErrInvalidExternalID),
		errors.Is(err, customerdomain.ErrInvalidEmail):
		return true
	default:
		return false
	}
}

func isAuditValidationError(err error) bool {
	switch {
	case errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, trialdomain.ErrTrialExists),
		errors.Is(err, trialdomain.ErrCooldown),
		errors.Is(err, trialdomain.ErrPaidSubscriptionActive),
		errors.Is(err, trialdomain.ErrMaxExtensions),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, trialdomain.ErrTrialExists),
		errors.Is(err, trialdomain.ErrCooldown),
		errors.Is(err, trialdomain.ErrPaidSubscriptionActive),
		errors.Is(err, trialdomain.ErrMaxExtensions):
		return err.Error()
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, overridedomain.ErrNotFound),
		errors.Is(err, trialdomain.ErrNotFound),
		errors.Is(err, trialdomain.ErrConfigNotFound),
		errors.Is(err, catalogdomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, billingdomain.ErrNotFound),
		errors.Is(err, webhookdomain.ErrUnknownProvider),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, billingdomain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return "invalid_page_token"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "trial_conversion_price_missing":
		return "price_id"
	case "trial_conversion_customer_missing":
		return "customer"
	}
	if field, ok := strings.CutPrefix(code, "invalid_"); ok {
		return field
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "trial_conversion_price_missing":
		return "no price to convert the trial to"
	case "trial_conversion_customer_missing":
		return "tenant has no billing customer"
	default:
		return "invalid value"
	}
}
