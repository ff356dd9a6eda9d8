package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrAuthentication   = errors.New("invalid credentials")
	ErrTooManyAttempts  = fmt.Errorf("%w: too many failed attempts", ErrAuthentication)
	ErrAccessDenied     = errors.New("access denied")
	ErrNotAuthenticated = fmt.Errorf("%w: not authenticated", ErrAccessDenied)
	ErrSessionExpired   = fmt.Errorf("%w: session expired", ErrNotAuthenticated)
	ErrNotFound         = errors.New("not found")
	ErrStorage          = errors.New("storage error")
	ErrCorruptData      = errors.New("corrupt data")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

type StorageError struct {
	Op       string
	Document string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Document, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func Storage(op, doc string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Document: doc, Err: err}
}

type CorruptDataError struct {
	Document string
	Detail   string
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt %s: %s", e.Document, e.Detail)
}

func (e *CorruptDataError) Is(target error) bool { return target == ErrCorruptData }

func Corrupt(doc, format string, args ...any) error {
	return &CorruptDataError{Document: doc, Detail: fmt.Sprintf(format, args...)}
}

func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}
