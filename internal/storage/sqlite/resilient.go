package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps *Store with CircuitBreaker + RetryOnDBLock so transient
// contention between processes ("database is locked") is absorbed and a
// persistently failing store fails fast. Releasing a lock and closing a
// ledger row are cleanup for work already done: they skip the breaker and
// always reach the store.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (five consecutive faults, 30s cooldown).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	logger := inner.log
	cb.OnStateChange(func(from, to BreakerState) {
		lvl := log.InfoLevel
		if to == StateOpen {
			lvl = log.ErrorLevel
		}
		logger.Log(lvl, "store circuit breaker", "from", from.String(), "to", to.String())
	})
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Inner exposes the wrapped store.
func (r *ResilientStore) Inner() *Store {
	return r.inner
}

func (r *ResilientStore) do(ctx context.Context, fn func() error) error {
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return storageErr("circuit", err)
	}
	return err
}

// cleanup retries fn on lock contention without consulting the breaker.
func (r *ResilientStore) cleanup(ctx context.Context, fn func() error) error {
	return RetryOnDBLock(ctx, fn)
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

func (r *ResilientStore) InsertLock(ctx context.Context, rec core.LockRecord) (bool, error) {
	var result bool
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.InsertLock(ctx, rec)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetLock(ctx context.Context, filePath string) (core.LockRecord, error) {
	var result core.LockRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetLock(ctx, filePath)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) DeleteLock(ctx context.Context, token string) (bool, error) {
	var result bool
	err := r.cleanup(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.DeleteLock(ctx, token)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) DeleteLockIfHeld(ctx context.Context, filePath, token string) (bool, error) {
	var result bool
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.DeleteLockIfHeld(ctx, filePath, token)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListLocks(ctx context.Context) ([]core.LockRecord, error) {
	var result []core.LockRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListLocks(ctx)
		return innerErr
	})
	return result, err
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

func (r *ResilientStore) InsertBackup(ctx context.Context, rec core.BackupRecord) error {
	return r.do(ctx, func() error {
		return r.inner.InsertBackup(ctx, rec)
	})
}

func (r *ResilientStore) GetBackup(ctx context.Context, id string) (core.BackupRecord, error) {
	var result core.BackupRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetBackup(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListBackups(ctx context.Context, filter core.BackupFilter) ([]core.BackupRecord, error) {
	var result []core.BackupRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ListBackups(ctx, filter)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) DeleteBackup(ctx context.Context, id string) error {
	return r.do(ctx, func() error {
		return r.inner.DeleteBackup(ctx, id)
	})
}

// ---------------------------------------------------------------------------
// Modification ledger
// ---------------------------------------------------------------------------

func (r *ResilientStore) StartModification(ctx context.Context, rec core.ModificationRecord) error {
	return r.do(ctx, func() error {
		return r.inner.StartModification(ctx, rec)
	})
}

func (r *ResilientStore) FinishModification(ctx context.Context, id string, finishedAt time.Time, success bool, errMsg string) error {
	return r.cleanup(ctx, func() error {
		return r.inner.FinishModification(ctx, id, finishedAt, success, errMsg)
	})
}

func (r *ResilientStore) GetModification(ctx context.Context, id string) (core.ModificationRecord, error) {
	var result core.ModificationRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.GetModification(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ModificationHistory(ctx context.Context, filePath string, limit int) ([]core.ModificationRecord, error) {
	var result []core.ModificationRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.ModificationHistory(ctx, filePath, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) RecentModifications(ctx context.Context, limit int) ([]core.ModificationRecord, error) {
	var result []core.ModificationRecord
	err := r.do(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.RecentModifications(ctx, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
