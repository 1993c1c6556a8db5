package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"fictures/api/internal/aiclient"
	"fictures/api/internal/auth"
	"fictures/api/internal/export"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

// mapError translates a service error into an HTTP status, code, and message.
// A ContextBuildError carrying sql.ErrNoRows lands in the NOT_FOUND branch
// through unwrapping.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidKey) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrContentUnavailable) {
		return http.StatusNotFound, "NOT_FOUND", "Book content not found", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	var apiErr *aiclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case aiclient.IsRateLimited(err):
			return http.StatusTooManyRequests, "AI_RATE_LIMITED", "AI server is throttling requests", nil
		case aiclient.IsUnavailable(err):
			return http.StatusServiceUnavailable, "AI_UNAVAILABLE", "AI server is unavailable", nil
		default:
			return http.StatusBadGateway, "AI_ERROR", apiErr.Detail, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
