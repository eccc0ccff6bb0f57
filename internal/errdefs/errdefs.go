// Package errdefs defines the error taxonomy shared by the file store, the
// meta store, the transaction coordinator and the registry.
//
// Errors carry the (type, name) pair they concern and unwrap to their cause,
// so callers match them with errors.As / errors.Is rather than by message.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidName is returned for template names that cannot be used as a storage key.
	ErrInvalidName = errors.New("invalid template name")
	// ErrInvalidType is returned for resource types other than roles and skills.
	ErrInvalidType = errors.New("invalid template type")
	// ErrReadOnly is returned when a read-only session is asked to mutate.
	ErrReadOnly = errors.New("meta store session is read-only")
	// ErrSessionClosed is returned by operations on a closed or discarded session.
	ErrSessionClosed = errors.New("meta store session is closed")
	// ErrDimensionMismatch indicates two vectors have different dimensions.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrInvalidTopK is returned when a search asks for fewer than one result.
	ErrInvalidTopK = errors.New("top_k must be a positive integer")
)

// Stage names the step of a two-store operation that failed.
type Stage string

const (
	StageEmbedding Stage = "embedding"
	StageFiles     Stage = "files"
	StageMetadata  Stage = "metadata"
)

// NotFoundError reports a (type, name) pair absent from the addressed store.
type NotFoundError struct {
	Store string // "files" or "metadata"
	Type  string
	Name  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found in %s store", e.Type, e.Name, e.Store)
}

// DuplicateNameError reports an insert-without-overwrite collision.
type DuplicateNameError struct {
	Type string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s/%s already exists", e.Type, e.Name)
}

// CorruptIndexError reports a snapshot that exists but cannot be read back.
// It is fatal for the session being opened; the index is never reset to empty.
type CorruptIndexError struct {
	Type     string
	Location string
	Err      error
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt %s index at %s: %v", e.Type, e.Location, e.Err)
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }

// InconsistentStateError reports a divergence between the file store and the
// meta store that the coordinator detected but could not repair. The pair
// must be reconciled by an operator.
type InconsistentStateError struct {
	Type        string
	Name        string
	Cause       error
	RollbackErr error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state for %s/%s (needs manual reconciliation): %v; rollback failed: %v",
		e.Type, e.Name, e.Cause, e.RollbackErr)
}

// Unwrap exposes both the original failure and the rollback failure.
func (e *InconsistentStateError) Unwrap() []error {
	return []error{e.Cause, e.RollbackErr}
}

// PathTraversalError reports a relative path that escapes its target directory.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes the target directory", e.Path)
}

// StoreLockedError reports that another session holds a conflicting lock.
type StoreLockedError struct {
	Location string
}

func (e *StoreLockedError) Error() string {
	return fmt.Sprintf("meta store at %s is locked by another session", e.Location)
}

// RegistrationFailedError wraps a register failure with the stage it failed at.
// Stores are left as they were before the call.
type RegistrationFailedError struct {
	Stage Stage
	Type  string
	Name  string
	Err   error
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("register %s/%s failed at %s stage: %v", e.Type, e.Name, e.Stage, e.Err)
}

func (e *RegistrationFailedError) Unwrap() error { return e.Err }

// RemovalFailedError wraps a remove failure with the stage it failed at.
type RemovalFailedError struct {
	Stage Stage
	Type  string
	Name  string
	Err   error
}

func (e *RemovalFailedError) Error() string {
	return fmt.Sprintf("remove %s/%s failed at %s stage: %v", e.Type, e.Name, e.Stage, e.Err)
}

func (e *RemovalFailedError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStoreLocked reports whether err is or wraps a StoreLockedError.
func IsStoreLocked(err error) bool {
	var sl *StoreLockedError
	return errors.As(err, &sl)
}
