package convert

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMapped marks a record whose document type has no conversion. Callers skip it.
	ErrNotMapped = errors.New("document type not mapped")
	// ErrNoIdentityStore is returned when a hook needs name resolution but none is configured
	ErrNoIdentityStore = errors.New("no identity store configured")
	// ErrReferenceNotSubmitted blocks a save whose referenced document is not submitted
	ErrReferenceNotSubmitted = errors.New("referenced document is not submitted")
)

// UnresolvedReferenceError is a foreign key to a Books document not linked yet.
// The referenced document may arrive in a later batch.
type UnresolvedReferenceError struct {
	Doctype  string
	Name     string
	Instance string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference to %s %q from instance %s", e.Doctype, e.Name, e.Instance)
}

// Retryable is always true, replay after the referenced document was ingested
func (e *UnresolvedReferenceError) Retryable() bool {
	return true
}

// HookError wraps the failure of a lifecycle hook
type HookError struct {
	Hook    Lifecycle
	Doctype string
	Err     error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook of %s failed: %v", e.Hook, e.Doctype, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err has a retryable cause
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
