package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/licensing/internal/auth/domain"
	"github.com/smallbiznis/licensing/internal/authorization"
	billingeventdomain "github.com/smallbiznis/licensing/internal/billingevent/domain"
	checkoutdomain "github.com/smallbiznis/licensing/internal/checkout/domain"
	devicedomain "github.com/smallbiznis/licensing/internal/device/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/internal/licensekey"
	reconciledomain "github.com/smallbiznis/licensing/internal/reconcile/domain"
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
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
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

type errorMapping struct {
	target  error
	status  int
	errType string
	message string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{billingeventdomain.ErrVerification, http.StatusBadRequest, "invalid_signature", "invalid signature"},
	{billingeventdomain.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload", "invalid payload"},
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request", "invalid request"},
	{entdomain.ErrInvalidTier, http.StatusBadRequest, "invalid_tier", "invalid tier"},
	{entdomain.ErrInvalidSubject, http.StatusBadRequest, "invalid_subject", "invalid subject"},
	{devicedomain.ErrInvalidDeviceID, http.StatusBadRequest, "invalid_device_id", "invalid device id"},
	{checkoutdomain.ErrInvalidRedirect, http.StatusBadRequest, "invalid_redirect", "redirect url is not allowed"},
	{reconciledomain.ErrMissingSubscriptionRef, http.StatusBadRequest, "missing_subscription_ref", "billing_subscription_ref is required for pro"},

	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{authdomain.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{authdomain.ErrInvalidToken, http.StatusUnauthorized, "unauthorized", "unauthorized"},

	{ErrForbidden, http.StatusForbidden, "forbidden", "forbidden"},
	{authorization.ErrForbidden, http.StatusForbidden, "forbidden", "forbidden"},
	{entdomain.ErrSuspended, http.StatusForbidden, "suspended", "entitlement is suspended"},

	{ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{entdomain.ErrNotFound, http.StatusNotFound, "not_found", "subject not found"},
	{devicedomain.ErrUnknownDevice, http.StatusNotFound, "unknown_device", "device is not active"},
	{checkoutdomain.ErrNoBillingAccount, http.StatusNotFound, "no_billing_account", "no billing account"},

	{devicedomain.ErrLimitExceeded, http.StatusConflict, "limit_exceeded", "device limit reached"},
	{checkoutdomain.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed", "already subscribed"},

	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "too many requests"},

	{checkoutdomain.ErrBillingUnavailable, http.StatusBadGateway, "billing_unavailable", "billing provider unavailable"},
	{ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
	{licensekey.ErrInvalidKey, http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
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

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, errorPayload{Type: m.errType, Message: m.message}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the error type the client sees and whether the
// failure is on the client or server side.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, "server"
	}
	return payload.Type, "client"
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
