package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Two-factor state errors
	ErrNotEnrolled            = errors.New("two-factor authentication is not enrolled")
	ErrAlreadyEnrolled        = errors.New("two-factor authentication is already enabled")
	ErrInvalidAlgorithmParams = errors.New("invalid two-factor algorithm parameters")

	// ErrStorageFailure marks secret store outages and timeouts. It is never
	// collapsed into an invalid-code result.
	ErrStorageFailure = errors.New("two-factor secret store unavailable")
)
