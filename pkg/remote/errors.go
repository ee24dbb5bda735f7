package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote service operations.
var (
	// ErrTransient indicates a network or server-side (5xx/429) failure that
	// may succeed when retried.
	ErrTransient = errors.New("transient service failure")

	// ErrProtocol indicates the service returned a response that could not
	// be interpreted (malformed body, unknown status, contract violation).
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidIdentifier indicates a syntactically malformed job identifier.
	ErrInvalidIdentifier = errors.New("invalid job identifier")

	// ErrNotFound indicates the requested job or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied indicates the credentials were rejected.
	ErrAccessDenied = errors.New("access denied")
)

// ServiceError wraps a failed service call with context.
type ServiceError struct {
	// Op is the operation that failed (e.g., "GetLogPage", "Trigger").
	Op string

	// ExecutionID is the execution involved, if applicable.
	ExecutionID string

	// StatusCode is the HTTP status code, if the failure came from a response.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	switch {
	case e.ExecutionID != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.ExecutionID, e.StatusCode, e.Err)
	case e.ExecutionID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.ExecutionID, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsProtocol returns true if the error indicates a malformed response.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsInvalidIdentifier returns true if the error indicates a malformed job identifier.
func IsInvalidIdentifier(err error) bool {
	return errors.Is(err, ErrInvalidIdentifier)
}

// IsNotFound returns true if the error indicates a missing job or execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates rejected credentials.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}
