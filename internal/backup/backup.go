// Package backup takes point-in-time copies of files before they are
// modified and restores them on request.
//
// Copies live under the backup directory mirroring each file's path
// relative to the project root, named <base>.<agent>.<timestamp>.bak.
// Files outside the root are mirrored under _external/. Every copy is
// written to a temp file, synced and renamed into place, so a crash never
// leaves a half-written backup behind a committed record.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

const (
	externalDir = "_external"
	stampLayout = "20060102T150405.000000000Z"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type Manager struct {
	store storage.BackupStore
	fs    afero.Fs
	root  string
	dir   string
	log   *log.Logger
	bus   core.Broadcaster
	guard Guard
	now   func() time.Time
}

// Guard runs fn while the caller has exclusive access to path. Restores go
// through it so they never race a protected write.
type Guard func(ctx context.Context, path string, fn func() error) error

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithBroadcaster(b core.Broadcaster) Option {
	return func(m *Manager) { m.bus = b }
}

func WithGuard(g Guard) Option {
	return func(m *Manager) {
		if g != nil {
			m.guard = g
		}
	}
}

// WithFs swaps the filesystem, e.g. for afero.NewMemMapFs in tests.
func WithFs(fsys afero.Fs) Option {
	return func(m *Manager) { m.fs = fsys }
}

// New creates a Manager that mirrors files under root into dir.
func New(store storage.BackupStore, root, dir string, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		fs:    afero.NewOsFs(),
		root:  filepath.Clean(root),
		dir:   filepath.Clean(dir),
		log:   log.Default(),
		guard: func(_ context.Context, _ string, fn func() error) error { return fn() },
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) Snapshot(ctx context.Context, filePath, agent string) (core.BackupRecord, error) {
	return m.SnapshotFor(ctx, filePath, agent, "")
}

// SnapshotFor copies filePath and records the copy under operationID. Any
// failure, including a missing source file, is a *core.BackupError and
// leaves no record behind.
func (m *Manager) SnapshotFor(ctx context.Context, filePath, agent, operationID string) (rec core.BackupRecord, err error) {
	defer func() {
		metrics.Backups.WithLabelValues("snapshot", metrics.Outcome(err)).Inc()
	}()
	if err := ctx.Err(); err != nil {
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "snapshot", Err: err}
	}
	src, err := m.fs.Open(filePath)
	if err != nil {
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "read", Err: err}
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "read", Err: err}
	}
	if !info.Mode().IsRegular() {
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "read", Err: fmt.Errorf("not a regular file")}
	}

	now := m.now()
	dest, err := m.destination(filePath, agent, now)
	if err != nil {
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "write", Err: err}
	}
	size, sum, err := m.writeAtomic(dest, src, info.Mode().Perm())
	if err != nil {
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "write", Err: err}
	}

	rec = core.BackupRecord{
		ID:          uuid.NewString(),
		FilePath:    filePath,
		Agent:       agent,
		OperationID: operationID,
		StoragePath: dest,
		Size:        size,
		Checksum:    sum,
		CreatedAt:   now,
	}
	if err := m.store.InsertBackup(ctx, rec); err != nil {
		if rmErr := m.fs.Remove(dest); rmErr != nil {
			m.log.Warn("orphan backup copy left behind", "path", dest, "err", rmErr)
		}
		return core.BackupRecord{}, &core.BackupError{Path: filePath, Op: "record", Err: err}
	}
	metrics.BackupBytes.Add(float64(size))
	m.log.Debug("backup created", "file", filePath, "backup", rec.ID, "size", size)
	m.emit(core.Event{
		Type:      core.EventBackupCreated,
		FilePath:  filePath,
		Agent:     agent,
		BackupID:  rec.ID,
		CreatedAt: now,
	})
	return rec, nil
}

// Restore overwrites the live file with the backup's bytes after verifying
// its checksum. Restoring the same backup twice leaves the same content.
func (m *Manager) Restore(ctx context.Context, backupID string) (err error) {
	defer func() {
		metrics.Backups.WithLabelValues("restore", metrics.Outcome(err)).Inc()
	}()
	rec, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("backup %s: %w", backupID, core.ErrNotFound)
		}
		return err
	}
	return m.restore(ctx, rec)
}

// RestoreBatch restores every backup taken under operationID, newest first,
// so a file snapshotted more than once ends up in its earliest state.
func (m *Manager) RestoreBatch(ctx context.Context, operationID string) ([]core.BackupRecord, error) {
	recs, err := m.store.ListBackups(ctx, core.BackupFilter{OperationID: operationID, Newest: true})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("operation %s: %w", operationID, core.ErrNotFound)
	}
	restored := make([]core.BackupRecord, 0, len(recs))
	for _, rec := range recs {
		err := m.restore(ctx, rec)
		metrics.Backups.WithLabelValues("restore", metrics.Outcome(err)).Inc()
		if err != nil {
			return restored, err
		}
		restored = append(restored, rec)
	}
	return restored, nil
}

func (m *Manager) restore(ctx context.Context, rec core.BackupRecord) error {
	return m.guard(ctx, rec.FilePath, func() error { return m.restoreFile(ctx, rec) })
}

func (m *Manager) restoreFile(ctx context.Context, rec core.BackupRecord) error {
	if err := ctx.Err(); err != nil {
		return &core.BackupError{Path: rec.FilePath, Op: "restore", Err: err}
	}
	src, err := m.fs.Open(rec.StoragePath)
	if err != nil {
		return &core.BackupError{Path: rec.FilePath, Op: "restore", Err: err}
	}
	defer src.Close()

	perm := fs.FileMode(0o644)
	if info, err := m.fs.Stat(rec.FilePath); err == nil {
		perm = info.Mode().Perm()
	} else if info, err := src.Stat(); err == nil {
		perm = info.Mode().Perm()
	}
	if err := m.fs.MkdirAll(filepath.Dir(rec.FilePath), 0o755); err != nil {
		return &core.BackupError{Path: rec.FilePath, Op: "restore", Err: err}
	}

	tmp, err := afero.TempFile(m.fs, filepath.Dir(rec.FilePath), "."+filepath.Base(rec.FilePath)+".restore-*")
	if err != nil {
		return &core.BackupError{Path: rec.FilePath, Op: "restore", Err: err}
	}
	tmpName := tmp.Name()
	size, sum, err := copyAndSync(tmp, src)
	if err == nil && (sum != rec.Checksum || size != rec.Size) {
		err = fmt.Errorf("checksum mismatch for backup %s: have %s (%d bytes), want %s (%d bytes)",
			rec.ID, sum, size, rec.Checksum, rec.Size)
	}
	if err == nil {
		err = m.fs.Chmod(tmpName, perm)
	}
	if err == nil {
		err = m.fs.Rename(tmpName, rec.FilePath)
	}
	if err != nil {
		_ = m.fs.Remove(tmpName)
		return &core.BackupError{Path: rec.FilePath, Op: "restore", Err: err}
	}

	m.log.Info("backup restored", "file", rec.FilePath, "backup", rec.ID)
	m.emit(core.Event{
		Type:      core.EventBackupRestored,
		FilePath:  rec.FilePath,
		Agent:     rec.Agent,
		BackupID:  rec.ID,
		CreatedAt: m.now(),
	})
	return nil
}

// Latest returns the newest backup of filePath.
func (m *Manager) Latest(ctx context.Context, filePath string) (core.BackupRecord, error) {
	recs, err := m.store.ListBackups(ctx, core.BackupFilter{FilePath: filePath, Newest: true, Limit: 1})
	if err != nil {
		return core.BackupRecord{}, err
	}
	if len(recs) == 0 {
		return core.BackupRecord{}, fmt.Errorf("backups of %s: %w", filePath, core.ErrNotFound)
	}
	return recs[0], nil
}

func (m *Manager) List(ctx context.Context, filter core.BackupFilter) ([]core.BackupRecord, error) {
	return m.store.ListBackups(ctx, filter)
}

type PruneReport struct {
	Deleted []core.BackupRecord
	Kept    int
	Bytes   int64
}

// Prune deletes backups outside policy. Per file, the newest KeepLast are
// always kept; of the rest, those older than MaxAge go (or all of them when
// MaxAge is zero).
func (m *Manager) Prune(ctx context.Context, policy core.RetentionPolicy) (PruneReport, error) {
	if policy.KeepLast <= 0 && policy.MaxAge <= 0 {
		return PruneReport{}, fmt.Errorf("retention policy needs keep_last or max_age")
	}
	recs, err := m.store.ListBackups(ctx, core.BackupFilter{FilePath: policy.FilePath, Newest: true})
	if err != nil {
		return PruneReport{}, err
	}
	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = m.now().Add(-policy.MaxAge)
	}

	var report PruneReport
	seen := make(map[string]int)
	for _, rec := range recs {
		idx := seen[rec.FilePath]
		seen[rec.FilePath] = idx + 1
		if idx < policy.KeepLast || (!cutoff.IsZero() && !rec.CreatedAt.Before(cutoff)) {
			report.Kept++
			continue
		}
		if err := m.fs.Remove(rec.StoragePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return report, &core.BackupError{Path: rec.FilePath, Op: "prune", Err: err}
		}
		if err := m.store.DeleteBackup(ctx, rec.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			return report, err
		}
		report.Deleted = append(report.Deleted, rec)
		report.Bytes += rec.Size
	}
	sort.Slice(report.Deleted, func(i, j int) bool {
		return report.Deleted[i].CreatedAt.Before(report.Deleted[j].CreatedAt)
	})
	metrics.Backups.WithLabelValues("prune", "success").Add(float64(len(report.Deleted)))
	if len(report.Deleted) > 0 {
		m.log.Info("pruned backups", "deleted", len(report.Deleted), "kept", report.Kept, "bytes", report.Bytes)
	}
	return report, nil
}

// destination picks a fresh, unused backup path for filePath.
func (m *Manager) destination(filePath, agent string, at time.Time) (string, error) {
	rel, err := filepath.Rel(m.root, filePath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		abs := strings.TrimPrefix(filePath, filepath.VolumeName(filePath))
		rel = filepath.Join(externalDir, strings.TrimLeft(abs, `/\`))
	}
	dir := filepath.Join(m.dir, filepath.Dir(rel))
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(rel)
	if agent == "" {
		agent = "unknown"
	}
	agent = unsafeName.ReplaceAllString(agent, "_")
	for {
		name := fmt.Sprintf("%s.%s.%s.bak", base, agent, at.Format(stampLayout))
		dest := filepath.Join(dir, name)
		if _, err := m.fs.Stat(dest); errors.Is(err, fs.ErrNotExist) {
			return dest, nil
		} else if err != nil {
			return "", err
		}
		at = at.Add(time.Nanosecond)
	}
}

func (m *Manager) writeAtomic(dest string, src io.Reader, perm fs.FileMode) (int64, string, error) {
	tmp, err := afero.TempFile(m.fs, filepath.Dir(dest), ".backup-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	size, sum, err := copyAndSync(tmp, src)
	if err == nil {
		err = m.fs.Chmod(tmpName, perm)
	}
	if err == nil {
		err = m.fs.Rename(tmpName, dest)
	}
	if err != nil {
		_ = m.fs.Remove(tmpName)
		return 0, "", err
	}
	m.syncDir(filepath.Dir(dest))
	return size, sum, nil
}

// syncDir makes the rename durable on filesystems that need it. Failures
// are ignored; the copy itself is already synced.
func (m *Manager) syncDir(dir string) {
	d, err := m.fs.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// copyAndSync copies src into dst, fsyncs and closes dst, and returns the
// byte count and hex sha256 of what was written.
func copyAndSync(dst afero.File, src io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manager) emit(ev core.Event) {
	if m.bus != nil {
		m.bus.Broadcast(ev)
	}
}
