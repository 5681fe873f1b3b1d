package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials indicates login failure. It never reveals whether
	// the username exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIPNotAllowed is returned when the login surface rejects the caller address.
	ErrIPNotAllowed = errors.New("ip not allowed")
	// ErrAccountDisabled is returned for deactivated principals.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrSessionExpired is returned for sessions past their idle or absolute lifetime, or revoked.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionInvalid is returned for malformed or tampered tokens.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrCSRFMismatch occurs when a state-changing request carries a wrong or missing CSRF token.
	ErrCSRFMismatch = errors.New("csrf token mismatch")

	// ErrDenied is matched by every DeniedError.
	ErrDenied = errors.New("denied")

	// ErrInvalidTransition indicates an event that is not valid for the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleWrite indicates the caller's revision no longer matches; refetch and retry.
	ErrStaleWrite = errors.New("stale write")

	// ErrBadField is matched by every FieldError.
	ErrBadField = errors.New("bad field")
	// ErrSensitiveFieldBlocked is returned for writes touching system-managed or credential fields.
	ErrSensitiveFieldBlocked = errors.New("sensitive field blocked")
)

// DeniedError carries the policy reason for a denial.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return ErrDenied.Error()
	}
	return "denied: " + e.Reason
}

// Is reports whether target is ErrDenied.
func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Deny builds a DeniedError.
func Deny(format string, args ...any) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// FieldError reports an invalid input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("bad field %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrBadField.
func (e *FieldError) Is(target error) bool { return target == ErrBadField }

// BadField builds a FieldError.
func BadField(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}
