package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	usagedomain "github.com/smallbiznis/ledgerd/internal/usage/domain"
)

var (
	errMissingOrg  = errors.New("missing_organization")
	errRateLimited = errors.New("rate_limited")
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last gin error through the taxonomy:
// validation and not-found are terminal 4xx, conflicts never surface, and
// everything else is a retryable 500.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		lastErr := c.Errors.Last()
		if lastErr == nil || c.Writer.Written() {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

// AbortWithError records err for the error middleware to render.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var ve *ledgerdomain.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    "invalid_field",
			Message: ve.Error(),
			Field:   ve.Field,
		}
	}
	if ledgerdomain.IsValidation(err) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    err.Error(),
			Message: "request is invalid",
		}
	}

	var nf *ledgerdomain.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    nf.Resource + "_not_found",
			Message: nf.Error(),
		}
	}

	switch {
	case errors.Is(err, usagedomain.ErrInvalidOrganization),
		errors.Is(err, usagedomain.ErrInvalidSubscription),
		errors.Is(err, usagedomain.ErrInvalidMeterCode),
		errors.Is(err, usagedomain.ErrInvalidQuantity):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    err.Error(),
			Message: "request is invalid",
		}
	case errors.Is(err, usagedomain.ErrMeterNotFound),
		errors.Is(err, usagedomain.ErrSubscriptionUnknown):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    err.Error(),
			Message: "referenced record does not exist",
		}
	case errors.Is(err, errMissingOrg):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    "missing_organization",
			Message: "X-Org-Id header is required",
		}
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Code:    "rate_limited",
			Message: "too many requests, retry later",
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Code:    "internal",
		Message: "an internal error occurred, the request is safe to retry",
	}
}

// ClassifyError feeds the request logger's error fields.
func ClassifyError(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}
