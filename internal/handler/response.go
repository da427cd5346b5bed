package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rs/zerolog/log"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Code     string            `json:"code,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error types
const (
	ErrorTypeValidation   = "https://settlement.rosstax.dev/errors/validation"
	ErrorTypeNotFound     = "https://settlement.rosstax.dev/errors/not-found"
	ErrorTypeUnauthorized = "https://settlement.rosstax.dev/errors/unauthorized"
	ErrorTypeForbidden    = "https://settlement.rosstax.dev/errors/forbidden"
	ErrorTypeConflict     = "https://settlement.rosstax.dev/errors/conflict"
	ErrorTypePolicy       = "https://settlement.rosstax.dev/errors/policy"
	ErrorTypeUnavailable  = "https://settlement.rosstax.dev/errors/service-unavailable"
	ErrorTypeInternal     = "https://settlement.rosstax.dev/errors/internal"
)

// kindResponses maps domain error kinds to their HTTP rendering
var kindResponses = map[domain.ErrorKind]struct {
	status int
	typ    string
	title  string
}{
	domain.KindValidation:      {http.StatusBadRequest, ErrorTypeValidation, "Validation Error"},
	domain.KindNotFound:        {http.StatusNotFound, ErrorTypeNotFound, "Not Found"},
	domain.KindConflict:        {http.StatusConflict, ErrorTypeConflict, "Conflict"},
	domain.KindPolicy:          {http.StatusUnprocessableEntity, ErrorTypePolicy, "Policy Violation"},
	domain.KindExternalTimeout: {http.StatusServiceUnavailable, ErrorTypeUnavailable, "Service Unavailable"},
}

// NewDomainError renders a service error as problem details. Errors without a
// domain kind are logged and reported as internal errors.
func NewDomainError(c echo.Context, err error) error {
	var domainErr *domain.Error
	if !errors.As(err, &domainErr) {
		log.Error().Err(err).Str("path", c.Path()).Msg("Unhandled service error")
		return NewInternalError(c, "An unexpected error occurred")
	}

	resp, ok := kindResponses[domainErr.Kind]
	if !ok {
		log.Error().Err(err).Str("kind", string(domainErr.Kind)).Msg("Unmapped error kind")
		return NewInternalError(c, "An unexpected error occurred")
	}

	if resp.status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "5")
	}

	return c.JSON(resp.status, ProblemDetails{
		Type:     resp.typ,
		Title:    resp.title,
		Status:   resp.status,
		Detail:   err.Error(),
		Instance: c.Request().URL.Path,
		Code:     domainErr.Code,
	})
}

// NewValidationError creates a validation error response
func NewValidationError(c echo.Context, detail string, errors []ValidationError) error {
	return c.JSON(http.StatusBadRequest, ProblemDetails{
		Type:     ErrorTypeValidation,
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: c.Request().URL.Path,
		Errors:   errors,
	})
}

// NewNotFoundError creates a not found error response
func NewNotFoundError(c echo.Context, detail string) error {
	return c.JSON(http.StatusNotFound, ProblemDetails{
		Type:     ErrorTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewUnauthorizedError creates an unauthorized error response
func NewUnauthorizedError(c echo.Context, detail string) error {
	return c.JSON(http.StatusUnauthorized, ProblemDetails{
		Type:     ErrorTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewForbiddenError creates a forbidden error response
func NewForbiddenError(c echo.Context, detail string) error {
	return c.JSON(http.StatusForbidden, ProblemDetails{
		Type:     ErrorTypeForbidden,
		Title:    "Forbidden",
		Status:   http.StatusForbidden,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewServiceUnavailableError creates a service unavailable error response
func NewServiceUnavailableError(c echo.Context, detail string) error {
	return c.JSON(http.StatusServiceUnavailable, ProblemDetails{
		Type:     ErrorTypeUnavailable,
		Title:    "Service Unavailable",
		Status:   http.StatusServiceUnavailable,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewInternalError creates an internal error response
func NewInternalError(c echo.Context, detail string) error {
	return c.JSON(http.StatusInternalServerError, ProblemDetails{
		Type:     ErrorTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// pagination reads limit and offset query parameters
func pagination(c echo.Context) (limit, offset int, err error) {
	limit, offset = 50, 0
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 200 {
			return 0, 0, errors.New("limit must be between 1 and 200")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must not be negative")
		}
	}
	return limit, offset, nil
}
