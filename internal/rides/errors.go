package rides

import (
	"fmt"

	"github.com/example/city-dispatch/internal/models"
)

// ValidationError rejects malformed input. Nothing was modified.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthzError rejects a caller who may not perform the operation. Nothing
// was modified.
type AuthzError struct {
	Msg string
}

func (e *AuthzError) Error() string { return e.Msg }

func authzf(format string, args ...any) *AuthzError {
	return &AuthzError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lost conditional update. Current carries the
// authoritative request state so the caller can resynchronize instead of
// blindly retrying.
type ConflictError struct {
	Msg     string
	Current *models.RideRequest
}

func (e *ConflictError) Error() string { return e.Msg }

// conflictFor derives the caller-facing message from the state that won.
func conflictFor(current *models.RideRequest, fallback string) *ConflictError {
	msg := fallback
	if current != nil {
		msg = fmt.Sprintf("request already %s", current.Status)
	}
	return &ConflictError{Msg: msg, Current: current}
}
