// Package replerr holds the domain-tagged error types raised across the
// replication engine (see the error taxonomy in the top-level design
// notes): retriable vs. non-retriable sync failures, prose-binding
// timeouts, and premature access to a collection that has not finished
// initializing.
package replerr

import "fmt"

// SyncError is raised by a backend call made from the write actor's sync
// path. Retriable is false for responses the retry schedule must not
// absorb (HTTP 401/403/422 equivalents from the injected backend).
type SyncError struct {
	Document  string
	Cause     error
	Retriable bool
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Document, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

// NonRetriableError wraps a SyncError-shaped failure that must bypass the
// actor's retry schedule entirely.
type NonRetriableError struct {
	Document string
	Cause    error
}

func (e *NonRetriableError) Error() string {
	return fmt.Sprintf("non-retriable sync %s: %v", e.Document, e.Cause)
}

func (e *NonRetriableError) Unwrap() error { return e.Cause }

// ProseBindingError is raised by utils.prose when the target sub-document
// or fragment cannot be found within the grace period.
type ProseBindingError struct {
	Collection string
	Document   string
	Field      string
}

func (e *ProseBindingError) Error() string {
	return fmt.Sprintf("prose binding %s/%s.%s: not found within grace period", e.Collection, e.Document, e.Field)
}

// ErrCollectionNotReady is raised when a collection is accessed before its
// startup sequence has signaled ready.
type ErrCollectionNotReady struct {
	Collection string
}

func (e *ErrCollectionNotReady) Error() string {
	return fmt.Sprintf("collection %q is not ready", e.Collection)
}
