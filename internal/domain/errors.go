package domain

import "errors"

// Error taxonomy shared by the store, the reconcilers and the gateway.
// Callers wrap these with context and classify them with errors.Is.
var (
	// ErrNotFound is returned when an operation references an absent id.
	ErrNotFound = errors.New("not found")

	// ErrProtectedEntity is returned when a system label would be renamed or deleted.
	ErrProtectedEntity = errors.New("protected entity")

	// ErrDuplicateName is returned when a label name collides (case-insensitive)
	// with an existing label of the same owner.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrMalformedRecord marks reconciliation input that lacks required fields.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrTransportFailure marks a remote call that did not complete successfully.
	ErrTransportFailure = errors.New("transport failure")

	// ErrValidationFailure is returned when caller-supplied data violates a
	// field constraint. Nothing is written when it is returned.
	ErrValidationFailure = errors.New("validation failure")
)
