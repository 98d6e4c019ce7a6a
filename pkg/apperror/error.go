package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, apperror.ErrStaleEntityReference) matches any copy produced
// by WithInternal/WithMessage/WithDetails.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToEchoError converts the app error to an echo.HTTPError for proper handling
func (e *Error) ToEchoError() *echo.HTTPError {
	return echo.NewHTTPError(e.HTTPStatus, e.body())
}

func (e *Error) body() map[string]any {
	errBody := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		errBody["details"] = e.Details
	}
	return map[string]any{"error": errBody}
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions
var (
	ErrNotFound   = New(http.StatusNotFound, "not_found", "Resource not found")
	ErrConflict   = New(http.StatusConflict, "conflict", "Resource already exists")
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrValidation = New(http.StatusUnprocessableEntity, "validation_error", "Validation failed")
	ErrInternal   = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
	ErrDatabase   = New(http.StatusInternalServerError, "database_error", "Database operation failed")
)

// Indexing and traversal failures.
var (
	// ErrTransientIndexingFailure: the search engine timed out or was
	// unreachable. The entry stays PENDING and is retried by the processor.
	ErrTransientIndexingFailure = New(http.StatusServiceUnavailable, "transient_indexing_failure", "Search index temporarily unavailable")

	// ErrStaleEntityReference: a queued entity no longer resolves in the
	// primary store. The entry is discarded without surfacing an error.
	ErrStaleEntityReference = New(http.StatusGone, "stale_entity_reference", "Entity no longer exists")

	// ErrPermanentIndexingFailure: attempts exhausted, entry marked FAILED_PERMANENT.
	ErrPermanentIndexingFailure = New(http.StatusUnprocessableEntity, "permanent_indexing_failure", "Entity could not be indexed")

	// ErrReindexInterrupted: a bulk reindex stopped mid-stream. The cursor
	// holds the last committed page so the run can resume.
	ErrReindexInterrupted = New(http.StatusServiceUnavailable, "reindex_interrupted", "Reindex interrupted")

	ErrInvalidTraversalParameters = New(http.StatusBadRequest, "invalid_traversal_parameters", "Invalid traversal parameters")

	ErrReindexAlreadyRunning = New(http.StatusConflict, "reindex_already_running", "A reindex is already running for this collection")
)

// ToHTTPError converts an app error to an HTTP-friendly format
func ToHTTPError(err error) (int, map[string]any) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus, appErr.body()
	}

	// Default to internal server error for unknown errors
	return http.StatusInternalServerError, ErrInternal.body()
}

// NewBadRequest creates a bad request error with a custom message
func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}

// NewInvalidTraversal reports which lineage parameter was rejected.
func NewInvalidTraversal(param string, value int) *Error {
	return ErrInvalidTraversalParameters.
		WithMessage(fmt.Sprintf("%s must be positive", param)).
		WithDetails(map[string]any{"parameter": param, "value": value})
}
