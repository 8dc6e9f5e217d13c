// Package shared holds the errors, events and value objects used by every
// domain package.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation    = errors.New("validation error")
	ErrInvalidID     = errors.New("invalid ID")
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyValue    = errors.New("value cannot be empty")
	ErrNegativeValue = errors.New("value cannot be negative")

	// Session state
	ErrNotReady = errors.New("not ready")

	// Remote store
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrStale              = errors.New("stale revision")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "answer", "session"
	Op      string // Operation that failed, e.g., "CompleteLesson"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progress domain errors
var (
	ErrEmptyLessonID   = NewDomainError("progress", "Validate", ErrEmptyValue, "lesson ID is required")
	ErrEmptyQuestionID = NewDomainError("progress", "Validate", ErrEmptyValue, "question ID is required")
	ErrEmptyUserID     = NewDomainError("progress", "Validate", ErrInvalidID, "user ID is required")
	ErrNegativeXP      = NewDomainError("progress", "Validate", ErrNegativeValue, "XP gain cannot be negative")
	ErrStoreNotReady   = NewDomainError("progress", "CheckReady", ErrNotReady, "progress has not been loaded for this session")
	ErrProfileNotFound = NewDomainError("progress", "FetchProfile", ErrNotFound, "remote profile not found")
	ErrStaleRevision   = NewDomainError("progress", "Write", ErrStale, "remote store holds a newer revision")
)

// Session domain errors
var (
	ErrSessionNotFound = NewDomainError("session", "Find", ErrNotFound, "no open session for user")
)

// Content domain errors
var (
	ErrLessonNotFound   = NewDomainError("content", "FindLesson", ErrNotFound, "lesson not found")
	ErrQuestionNotFound = NewDomainError("content", "FindQuestion", ErrNotFound, "question not found")
	ErrDuplicateContent = NewDomainError("content", "Build", ErrAlreadyExists, "duplicate content identifier")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue)
}
