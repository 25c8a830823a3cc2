package entity

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates the target id does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeAlreadyExists indicates a create collided with an existing id.
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// ErrCodeVersionConflict indicates the caller's version is stale.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodeInvalid indicates a structural rule was violated (id prefix, empty fields).
	ErrCodeInvalid ErrorCode = "INVALID_ENTITY"

	// ErrCodeBusy indicates the database lock could not be acquired in time.
	ErrCodeBusy ErrorCode = "BUSY"
)

// Error is the domain error returned at the store boundary.
// Raw driver errors are translated into one of the codes above.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// ID is the affected entity id, if any.
	ID string

	// Expected is the version the caller supplied (VERSION_CONFLICT only).
	Expected int64

	// Current is the version currently stored (VERSION_CONFLICT only).
	Current int64

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Code == ErrCodeVersionConflict:
		return fmt.Sprintf("%s: %s (id=%s, expected=%d, current=%d)", e.Code, msg, e.ID, e.Expected, e.Current)
	case e.ID != "":
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, msg, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed.
// VERSION_CONFLICT is retryable after re-reading; BUSY after a pause.
func (e *Error) Retryable() bool {
	return e.Code == ErrCodeVersionConflict || e.Code == ErrCodeBusy
}

// NewNotFoundError creates an Error for a missing id.
func NewNotFoundError(id string) *Error {
	return &Error{Code: ErrCodeNotFound, ID: id, Message: "entity not found"}
}

// NewAlreadyExistsError creates an Error for an id collision.
func NewAlreadyExistsError(id string, cause error) *Error {
	return &Error{Code: ErrCodeAlreadyExists, ID: id, Message: "entity already exists", Err: cause}
}

// NewVersionConflictError creates an Error for a stale update.
func NewVersionConflictError(id string, expected, current int64) *Error {
	return &Error{
		Code:     ErrCodeVersionConflict,
		ID:       id,
		Expected: expected,
		Current:  current,
		Message:  "entity was modified concurrently",
	}
}

// NewInvalidError creates an Error for a structural violation.
func NewInvalidError(id, message string) *Error {
	return &Error{Code: ErrCodeInvalid, ID: id, Message: message}
}

// NewBusyError wraps a lock timeout.
func NewBusyError(id string, cause error) *Error {
	return &Error{Code: ErrCodeBusy, ID: id, Message: "database is busy", Err: cause}
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound returns true if err is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAlreadyExists returns true if err is an ALREADY_EXISTS error.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrCodeAlreadyExists) }

// IsVersionConflict returns true if err is a VERSION_CONFLICT error.
func IsVersionConflict(err error) bool { return hasCode(err, ErrCodeVersionConflict) }

// IsInvalid returns true if err is an INVALID_ENTITY error.
func IsInvalid(err error) bool { return hasCode(err, ErrCodeInvalid) }

// IsBusy returns true if err is a BUSY error.
func IsBusy(err error) bool { return hasCode(err, ErrCodeBusy) }

// IsRetryable returns true if err carries a retryable domain error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// CurrentVersion extracts the stored version from a VERSION_CONFLICT error.
func CurrentVersion(err error) (int64, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCodeVersionConflict {
		return e.Current, true
	}
	return 0, false
}
