package chat

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrStoreClosed  = errors.New("store is closed")
)

// ValidationError reports a missing or malformed inbound field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Required builds the common "field is required" validation error.
func Required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// PersistenceError wraps a failure of the underlying message store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPersistence reports whether err is, or wraps, a PersistenceError.
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
