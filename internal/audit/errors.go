package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceConflict is returned by a store when another writer advanced the
	// chain between reading the head and inserting. Callers retry with a fresh head.
	ErrSequenceConflict = errors.New("audit: sequence conflict")
	ErrNotFound         = errors.New("audit: not found")
	ErrStoreClosed      = errors.New("audit: store closed")
	ErrInvalidRange     = errors.New("audit: invalid sequence range")
)

// ValidationError rejects a malformed AuditEvent before any sequence is allocated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audit: invalid event: %s %s", e.Field, e.Reason)
}

// PersistenceError means the record could not be written after the bounded
// number of attempts. The append failed; nothing was recorded.
type PersistenceError struct {
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit: append failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validate checks an event against the closed enums and required fields.
func (e AuditEvent) Validate() error {
	if e.Action == "" {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	if !e.Action.Valid() {
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not a known action", e.Action)}
	}
	if e.Resource == "" {
		return &ValidationError{Field: "resource", Reason: "is required"}
	}
	if !e.EventType.Valid() {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q is not a known event type", e.EventType)}
	}
	if !e.DataClassification.Valid() {
		return &ValidationError{Field: "data_classification", Reason: fmt.Sprintf("%q is not a known classification", e.DataClassification)}
	}
	switch e.EventType {
	case EventTypeUserAction, EventTypeDataAccess, EventTypeAdminAction:
		if e.UserID == "" {
			return &ValidationError{Field: "user_id", Reason: "is required for " + string(e.EventType)}
		}
	}
	if e.StatusCode != 0 && (e.StatusCode < 100 || e.StatusCode > 599) {
		return &ValidationError{Field: "status_code", Reason: fmt.Sprintf("%d is out of range", e.StatusCode)}
	}
	return nil
}
