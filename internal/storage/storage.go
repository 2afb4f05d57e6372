package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// LockStore holds at most one lock row per file path. InsertLock is the
// single atomic decision point: it reports false when a row already exists.
type LockStore interface {
	InsertLock(ctx context.Context, rec core.LockRecord) (bool, error)
	GetLock(ctx context.Context, filePath string) (core.LockRecord, error)
	DeleteLock(ctx context.Context, token string) (bool, error)
	// DeleteLockIfHeld deletes the row for filePath only while it still
	// carries token, so a reclaimer can never remove a newer lock.
	DeleteLockIfHeld(ctx context.Context, filePath, token string) (bool, error)
	ListLocks(ctx context.Context) ([]core.LockRecord, error)
}

type BackupStore interface {
	InsertBackup(ctx context.Context, rec core.BackupRecord) error
	GetBackup(ctx context.Context, id string) (core.BackupRecord, error)
	ListBackups(ctx context.Context, filter core.BackupFilter) ([]core.BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
}

type LedgerStore interface {
	StartModification(ctx context.Context, rec core.ModificationRecord) error
	FinishModification(ctx context.Context, id string, finishedAt time.Time, success bool, errMsg string) error
	GetModification(ctx context.Context, id string) (core.ModificationRecord, error)
	ModificationHistory(ctx context.Context, filePath string, limit int) ([]core.ModificationRecord, error)
	RecentModifications(ctx context.Context, limit int) ([]core.ModificationRecord, error)
}

type Store interface {
	LockStore
	BackupStore
	LedgerStore
	Close() error
}

// InMemory is a minimal in-memory store for tests.
type InMemory struct {
	mu      sync.Mutex
	locks   map[string]core.LockRecord
	backups []core.BackupRecord
	mods    []core.ModificationRecord
}

func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]core.LockRecord)}
}

func (m *InMemory) InsertLock(_ context.Context, rec core.LockRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[rec.FilePath]; ok {
		return false, nil
	}
	m.locks[rec.FilePath] = rec
	return true, nil
}

func (m *InMemory) GetLock(_ context.Context, filePath string) (core.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.locks[filePath]
	if !ok {
		return core.LockRecord{}, core.ErrNotFound
	}
	return rec, nil
}

func (m *InMemory) DeleteLock(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, rec := range m.locks {
		if rec.Token == token {
			delete(m.locks, path)
			return true, nil
		}
	}
	return false, nil
}

func (m *InMemory) DeleteLockIfHeld(_ context.Context, filePath, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.locks[filePath]
	if !ok || rec.Token != token {
		return false, nil
	}
	delete(m.locks, filePath)
	return true, nil
}

func (m *InMemory) ListLocks(_ context.Context) ([]core.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.LockRecord, 0, len(m.locks))
	for _, rec := range m.locks {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

func (m *InMemory) InsertBackup(_ context.Context, rec core.BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, rec)
	return nil
}

func (m *InMemory) GetBackup(_ context.Context, id string) (core.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backups {
		if b.ID == id {
			return b, nil
		}
	}
	return core.BackupRecord{}, core.ErrNotFound
}

func (m *InMemory) ListBackups(_ context.Context, f core.BackupFilter) ([]core.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.BackupRecord
	for _, b := range m.backups {
		if f.FilePath != "" && b.FilePath != f.FilePath {
			continue
		}
		if f.OperationID != "" && b.OperationID != f.OperationID {
			continue
		}
		if !f.CreatedBefore.IsZero() && !b.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, b)
	}
	// Insertion order is chronological; reverse for newest-first.
	if f.Newest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *InMemory) DeleteBackup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.backups {
		if b.ID == id {
			m.backups = append(m.backups[:i], m.backups[i+1:]...)
			return nil
		}
	}
	return core.ErrNotFound
}

func (m *InMemory) StartModification(_ context.Context, rec core.ModificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mods = append(m.mods, rec)
	return nil
}

func (m *InMemory) FinishModification(_ context.Context, id string, finishedAt time.Time, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mods {
		if m.mods[i].ID != id || m.mods[i].FinishedAt != nil {
			continue
		}
		at := finishedAt
		m.mods[i].FinishedAt = &at
		m.mods[i].Success = success
		m.mods[i].ErrorMessage = errMsg
		return nil
	}
	return core.ErrNotFound
}

func (m *InMemory) GetModification(_ context.Context, id string) (core.ModificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.mods {
		if rec.ID == id {
			return rec, nil
		}
	}
	return core.ModificationRecord{}, core.ErrNotFound
}

func (m *InMemory) ModificationHistory(_ context.Context, filePath string, limit int) ([]core.ModificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ModificationRecord
	for _, rec := range m.mods {
		if rec.FilePath == filePath {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *InMemory) RecentModifications(_ context.Context, limit int) ([]core.ModificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ModificationRecord
	for i := len(m.mods) - 1; i >= 0; i-- {
		out = append(out, m.mods[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) Close() error { return nil }
