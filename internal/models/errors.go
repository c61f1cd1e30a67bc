package models

import (
	"errors"
	"fmt"
)

// ErrorClass is the closed failure taxonomy. Retry decisions are made
// against the class, never by matching error strings.
type ErrorClass string

const (
	ErrValidation            ErrorClass = "VALIDATION"
	ErrQuotaExceeded         ErrorClass = "QUOTA_EXCEEDED"
	ErrTemplateNotFound      ErrorClass = "TEMPLATE_NOT_FOUND"
	ErrQueueFull             ErrorClass = "QUEUE_FULL"
	ErrNoPlacement           ErrorClass = "NO_PLACEMENT"
	ErrProvider              ErrorClass = "PROVIDER_ERROR"
	ErrProviderPermanent     ErrorClass = "PROVIDER_PERMANENT"
	ErrInsufficientResources ErrorClass = "INSUFFICIENT_RESOURCES"
	ErrTimeout               ErrorClass = "TIMEOUT"
	ErrCancelled             ErrorClass = "CANCELLED"
	ErrDatabase              ErrorClass = "DATABASE_ERROR"
	ErrInternal              ErrorClass = "INTERNAL"
)

// Transient classes may be retried without user intervention.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrProvider, ErrInsufficientResources, ErrDatabase:
		return true
	}
	return false
}

// Error is the typed result carried across component boundaries.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(class ErrorClass, format string, args ...interface{}) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

func WrapError(class ErrorClass, cause error, format string, args ...interface{}) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ClassOf extracts the taxonomy class from an error chain, defaulting to
// INTERNAL for untyped errors.
func ClassOf(err error) ErrorClass {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Class
	}
	return ErrInternal
}

// IsTransient reports whether the error's class permits a bounded retry.
func IsTransient(err error) bool {
	return ClassOf(err).Transient()
}

var ErrVersionConflict = NewError(ErrDatabase, "optimistic concurrency conflict")

var ErrNotFound = errors.New("not found")
