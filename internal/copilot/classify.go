package copilot

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// NewAdapterError wraps a provider failure and classifies it from its text.
func NewAdapterError(provider string, cause error) *AdapterError {
	err := &AdapterError{
		Kind:     models.ErrorKindUnknown,
		Provider: provider,
		Cause:    cause,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyError(cause)
	}
	err.Retryable = err.Kind.Retryable()
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *AdapterError) WithStatus(status int) *AdapterError {
	e.Status = status
	if kind := ClassifyStatusCode(status); kind != models.ErrorKindUnknown {
		e.Kind = kind
		e.Retryable = kind.Retryable()
	}
	return e
}

// WithCode records a provider error code; known codes win over status.
func (e *AdapterError) WithCode(code string) *AdapterError {
	e.Code = code
	if kind := ClassifyErrorCode(code); kind != models.ErrorKindUnknown {
		e.Kind = kind
		e.Retryable = kind.Retryable()
	}
	return e
}

// WithMessage replaces the message.
func (e *AdapterError) WithMessage(msg string) *AdapterError {
	e.Message = msg
	return e
}

// GetAdapterError extracts an AdapterError from err.
func GetAdapterError(err error) (*AdapterError, bool) {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr, true
	}
	return nil, false
}

// ClassifyError guesses the kind of a provider failure.
func ClassifyError(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorKindUnknown
	}
	if adapterErr, ok := GetAdapterError(err); ok {
		return adapterErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorKindTimeout
		}
		return models.ErrorKindNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout"):
		return models.ErrorKindTimeout
	case strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl") ||
		strings.Contains(errStr, "429"):
		return models.ErrorKindRateLimit
	case strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "402"):
		return models.ErrorKindQuota
	case strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403"):
		return models.ErrorKindAuth
	case strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety"):
		return models.ErrorKindContentFilter
	case strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "unavailable"):
		return models.ErrorKindModelUnavailable
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof"):
		return models.ErrorKindNetwork
	case strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504"):
		return models.ErrorKindServerError
	}
	return models.ErrorKindUnknown
}

// ClassifyStatusCode maps an HTTP status to an error kind.
func ClassifyStatusCode(status int) models.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrorKindAuth
	case status == http.StatusPaymentRequired:
		return models.ErrorKindQuota
	case status == http.StatusTooManyRequests:
		return models.ErrorKindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ErrorKindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.ErrorKindInvalidRequest
	case status == http.StatusNotFound:
		return models.ErrorKindModelUnavailable
	case status == 529:
		return models.ErrorKindModelUnavailable
	case status >= 500:
		return models.ErrorKindServerError
	default:
		return models.ErrorKindUnknown
	}
}

// ClassifyErrorCode maps provider error codes to an error kind.
func ClassifyErrorCode(code string) models.ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception", "resource_exhausted":
		return models.ErrorKindRateLimit
	case "insufficient_quota", "billing_error", "billing_hard_limit_reached":
		return models.ErrorKindQuota
	case "authentication_error", "invalid_api_key", "permission_error", "accessdeniedexception", "unauthenticated", "permission_denied":
		return models.ErrorKindAuth
	case "model_not_found", "model_not_available", "overloaded_error", "resourcenotfoundexception", "modelnotreadyexception", "serviceunavailableexception":
		return models.ErrorKindModelUnavailable
	case "content_policy_violation", "content_filter", "safety":
		return models.ErrorKindContentFilter
	case "server_error", "internal_error", "api_error", "internalserverexception", "modelstreamerrorexception":
		return models.ErrorKindServerError
	case "invalid_request_error", "validationexception", "invalid_argument":
		return models.ErrorKindInvalidRequest
	case "modeltimeoutexception", "deadline_exceeded":
		return models.ErrorKindTimeout
	default:
		return models.ErrorKindUnknown
	}
}
