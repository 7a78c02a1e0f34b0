package errors

import (
	"errors"
	"net/http"
)

// APIError is the error shape returned to HTTP clients.
type APIError struct {
	Status   int    `json:"-"`
	Message  string `json:"error"`
	Internal error  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Internal != nil {
		return e.Message + ": " + e.Internal.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Internal
}

func newAPIError(status int, message string, err error) *APIError {
	return &APIError{Status: status, Message: message, Internal: err}
}

func BadRequest(message string, err error) *APIError {
	return newAPIError(http.StatusBadRequest, message, err)
}

func Unauthorized(message string, err error) *APIError {
	return newAPIError(http.StatusUnauthorized, message, err)
}

func Forbidden(message string, err error) *APIError {
	return newAPIError(http.StatusForbidden, message, err)
}

func NotFound(message string, err error) *APIError {
	return newAPIError(http.StatusNotFound, message, err)
}

func Conflict(message string, err error) *APIError {
	return newAPIError(http.StatusConflict, message, err)
}

func UnprocessableEntity(message string, err error) *APIError {
	return newAPIError(http.StatusUnprocessableEntity, message, err)
}

func Internal(err error) *APIError {
	return newAPIError(http.StatusInternalServerError, "Internal server error", err)
}

// NewValidationError wraps a request-binding failure
func NewValidationError(err error) *APIError {
	return newAPIError(http.StatusUnprocessableEntity, "Validation failed", err)
}

// Collaboration engine sentinels. These cross package boundaries (oplog,
// gateway, snapshot store) so they live here next to the HTTP taxonomy.
var (
	// ErrRevisionNotFound: the requested revision predates retained history.
	// Caller must fall back to snapshot + partial replay.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrDuplicateOperation: operation id at or below the client's last
	// committed one. Safe to acknowledge without re-applying.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrRevisionAhead: base revision beyond the current head, the client is
	// confused. Treated as malformed input.
	ErrRevisionAhead = errors.New("base revision ahead of head")

	// ErrTransformInvariant: a committed operation no longer applies cleanly.
	// Should never happen; the offending operation is dropped and the client
	// must resync.
	ErrTransformInvariant = errors.New("transform invariant violation")
)
