package tracking

import (
	"errors"
	"fmt"
)

var (
	ErrConflict       = errors.New("tracking conflict")
	ErrInvalidSession = errors.New("invalid session")
	ErrNotActive      = errors.New("tracking not active")
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("resource not found")
)

const (
	ConflictResourceOwned = "resource_owned"
	ConflictUserBusy      = "user_busy"
)

// ConflictError reports an exclusivity violation. Owner is the user holding
// the resource for resource_owned, and the requesting user for user_busy.
type ConflictError struct {
	Resource ResourceKey
	Owner    string
	Held     ResourceKey
	Reason   string
}

func NewResourceOwnedError(key ResourceKey, owner string) *ConflictError {
	return &ConflictError{Resource: key, Owner: owner, Reason: ConflictResourceOwned}
}

func NewUserBusyError(key ResourceKey, user string, held ResourceKey) *ConflictError {
	return &ConflictError{Resource: key, Owner: user, Held: held, Reason: ConflictUserBusy}
}

func (e *ConflictError) Error() string {
	if e.Reason == ConflictUserBusy {
		return fmt.Sprintf("%s: user %s is already tracking %s", ErrConflict, e.Owner, e.Held)
	}
	return fmt.Sprintf("%s: %s is being tracked by user %s", ErrConflict, e.Resource, e.Owner)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

type InvalidSessionError struct {
	Resource ResourceKey
	Detail   string
}

func NewInvalidSessionError(key ResourceKey, detail string) *InvalidSessionError {
	return &InvalidSessionError{Resource: key, Detail: detail}
}

func (e *InvalidSessionError) Error() string {
	return fmt.Sprintf("%s for %s: %s", ErrInvalidSession, e.Resource, e.Detail)
}

func (e *InvalidSessionError) Unwrap() error {
	return ErrInvalidSession
}

type NotActiveError struct {
	Resource ResourceKey
}

func NewNotActiveError(key ResourceKey) *NotActiveError {
	return &NotActiveError{Resource: key}
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotActive, e.Resource)
}

func (e *NotActiveError) Unwrap() error {
	return ErrNotActive
}

type ValidationError struct {
	Field  string
	Detail string
}

func NewValidationError(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type NotFoundError struct {
	Resource ResourceKey
}

func NewNotFoundError(key ResourceKey) *NotFoundError {
	return &NotFoundError{Resource: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotFound, e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Reason maps an error to the machine-readable code sent to clients.
func Reason(err error) string {
	var conflict *ConflictError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return conflict.Reason
	case errors.Is(err, ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal"
}
