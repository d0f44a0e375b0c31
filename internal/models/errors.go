package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation or entity row does not exist.
var ErrNotFound = errors.New("not found")

// ErrManualResolutionRequired is returned by the manual conflict strategy: the
// operation must stay in conflict state until someone resolves it explicitly.
var ErrManualResolutionRequired = errors.New("manual conflict resolution required")

// ErrorKind classifies a sync failure for control-flow purposes.
type ErrorKind int

const (
	// ErrTransient covers network and timeout failures, retried per policy.
	ErrTransient ErrorKind = iota
	// ErrConflict means the remote rejected the mutation due to divergence.
	ErrConflict
	// ErrNonRetryable covers validation/authorization rejections.
	ErrNonRetryable
	// ErrStorage is a local persistence failure, always fatal to the call.
	ErrStorage
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransient:
		return "transient"
	case ErrConflict:
		return "conflict"
	case ErrNonRetryable:
		return "non_retryable"
	case ErrStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// SyncError wraps a cause with its classification.
type SyncError struct {
	Kind ErrorKind
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError builds a classified error around cause.
func NewSyncError(kind ErrorKind, cause error) *SyncError {
	return &SyncError{Kind: kind, Err: cause}
}

// KindOf extracts the classification from err, defaulting to transient so an
// unclassified failure is retried rather than dropped.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransient
}

// IsNonRetryable reports whether err must not be re-attempted.
func IsNonRetryable(err error) bool {
	return KindOf(err) == ErrNonRetryable
}
