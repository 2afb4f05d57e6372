package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrBackup            = errors.New("backup failed")
	ErrModification      = errors.New("modification failed")
	ErrStorageCorruption = errors.New("storage corruption")
	ErrUnknownAgentKind  = errors.New("unknown agent kind")
	ErrInvalidHolder     = errors.New("invalid lock holder")
)

// LockTimeoutError is returned when a lock could not be acquired within the
// caller's timeout. It is retryable.
type LockTimeoutError struct {
	Path   string
	Holder string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock timeout on %s after %s", e.Path, e.Waited.Round(time.Millisecond))
	}
	return fmt.Sprintf("lock timeout on %s after %s (held by %s)", e.Path, e.Waited.Round(time.Millisecond), e.Holder)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// Retryable is always true; the caller may retry, queue or abort.
func (e *LockTimeoutError) Retryable() bool { return true }

// BackupError aborts a protected write before the file is touched.
type BackupError struct {
	Path string
	Op   string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

func (e *BackupError) Is(target error) bool { return target == ErrBackup }

// ModificationFailure wraps an error returned (or a panic raised) by the
// caller's mutation function. The ledger row is finalized and the lock is
// released; BackupID names the snapshot a caller can roll back to.
type ModificationFailure struct {
	Path           string
	ModificationID string
	BackupID       string
	Panicked       bool
	Err            error
}

func (e *ModificationFailure) Error() string {
	if e.Panicked {
		return fmt.Sprintf("modification of %s panicked: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("modification of %s failed: %v", e.Path, e.Err)
}

func (e *ModificationFailure) Unwrap() error { return e.Err }

func (e *ModificationFailure) Is(target error) bool { return target == ErrModification }

// StorageCorruptionError is fatal at startup: the coordinator refuses to serve
// until an operator repairs or removes the store.
type StorageCorruptionError struct {
	Path   string
	Detail string
}

func (e *StorageCorruptionError) Error() string {
	return fmt.Sprintf("coordination store %s is corrupt: %s", e.Path, e.Detail)
}

func (e *StorageCorruptionError) Is(target error) bool { return target == ErrStorageCorruption }

// StorageError wraps low-level database errors so they never cross the
// public API raw.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying as-is.
func IsRetryable(err error) bool {
	var te *LockTimeoutError
	return errors.As(err, &te)
}
