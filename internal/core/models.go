package core

import (
	"context"
	"fmt"
	"time"
)

type EventType string

const (
	EventLockAcquired         EventType = "lock.acquired"
	EventLockReleased         EventType = "lock.released"
	EventLockReclaimed        EventType = "lock.reclaimed"
	EventBackupCreated        EventType = "backup.created"
	EventBackupRestored       EventType = "backup.restored"
	EventModificationFinished EventType = "modification.finished"
	EventUnprotectedWrite     EventType = "file.unprotected_write"
)

// Holder identifies the process (and agent inside it) that owns a lock.
// PID alone is not enough: StartTime guards against PID reuse after a crash.
type Holder struct {
	PID       int    `json:"pid"`
	StartTime uint64 `json:"start_time"`
	Agent     string `json:"agent"`
}

// ID renders the holder as stored in the locks table.
func (h Holder) ID() string {
	return fmt.Sprintf("%s@%d:%d", h.Agent, h.PID, h.StartTime)
}

// LockState is the lifecycle of a single file lock:
// FREE -> HELD -> STALE -> RECLAIMED -> FREE.
type LockState string

const (
	LockFree      LockState = "free"
	LockHeld      LockState = "held"
	LockStale     LockState = "stale"
	LockReclaimed LockState = "reclaimed"
)

type LockRecord struct {
	FilePath   string    `json:"file_path"`
	Holder     Holder    `json:"holder"`
	Token      string    `json:"lock_token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Overdue reports whether the advisory lease has run out.
func (l LockRecord) Overdue(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

type BackupRecord struct {
	ID          string    `json:"backup_id"`
	FilePath    string    `json:"file_path"`
	Agent       string    `json:"agent"`
	OperationID string    `json:"operation_id,omitempty"`
	StoragePath string    `json:"storage_path"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// BackupFilter narrows backup listings. Zero values match everything.
type BackupFilter struct {
	FilePath      string
	OperationID   string
	CreatedBefore time.Time
	Newest        bool
	Limit         int
}

// RetentionPolicy drives explicit backup pruning. KeepLast keeps the newest
// N backups per file regardless of age; MaxAge drops anything older.
type RetentionPolicy struct {
	MaxAge   time.Duration
	KeepLast int
	FilePath string
}

type ModificationStart struct {
	FilePath    string
	Agent       string
	LockToken   string
	BackupID    string
	OperationID string
}

type ModificationRecord struct {
	ID           string     `json:"modification_id"`
	FilePath     string     `json:"file_path"`
	Agent        string     `json:"agent"`
	LockToken    string     `json:"lock_token"`
	BackupID     string     `json:"backup_id,omitempty"`
	OperationID  string     `json:"operation_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Finished reports whether RecordFinish has been applied.
func (m ModificationRecord) Finished() bool {
	return m.FinishedAt != nil
}

// Event is emitted on every coordination state change.
type Event struct {
	Type      EventType `json:"type"`
	FilePath  string    `json:"file_path"`
	Agent     string    `json:"agent,omitempty"`
	HolderID  string    `json:"holder_id,omitempty"`
	LockToken string    `json:"lock_token,omitempty"`
	BackupID  string    `json:"backup_id,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Broadcaster receives coordination events. Implementations must not block.
type Broadcaster interface {
	Broadcast(ev Event)
}

// WriteFunc mutates the file at path while the caller holds its lock.
type WriteFunc func(ctx context.Context, path string) error

type WriteRequest struct {
	Path        string
	Holder      Holder
	Kind        AgentKind
	Timeout     time.Duration
	OperationID string
}

type WriteResult struct {
	FilePath       string        `json:"file_path"`
	LockToken      string        `json:"lock_token"`
	Backup         BackupRecord  `json:"backup"`
	ModificationID string        `json:"modification_id"`
	Waited         time.Duration `json:"waited"`
	Duration       time.Duration `json:"duration"`
}
