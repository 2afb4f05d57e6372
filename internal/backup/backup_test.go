package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

type fixture struct {
	root  string
	store *storage.InMemory
	mgr   *Manager
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:  root,
		store: storage.NewInMemory(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = New(f.store, root, filepath.Join(root, ".interlock", "backups"))
	f.mgr.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	return p
}

func read(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func TestSnapshotCopiesBytesExactly(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "src/main.go", "package main\n")

	rec, err := f.mgr.Snapshot(context.Background(), p, "formatter")
	require.NoError(t, err)
	assert.Equal(t, p, rec.FilePath)
	assert.Equal(t, "formatter", rec.Agent)
	assert.EqualValues(t, len("package main\n"), rec.Size)
	assert.Len(t, rec.Checksum, 64)
	assert.Equal(t, "package main\n", read(t, rec.StoragePath))

	wantDir := filepath.Join(f.root, ".interlock", "backups", "src")
	assert.Equal(t, wantDir, filepath.Dir(rec.StoragePath))
	assert.True(t, strings.HasPrefix(filepath.Base(rec.StoragePath), "main.go.formatter."))
	assert.True(t, strings.HasSuffix(rec.StoragePath, ".bak"))

	info, err := os.Stat(rec.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	got, err := f.store.GetBackup(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, got.Checksum)
}

func TestSnapshotMissingFileIsBackupError(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Snapshot(context.Background(), filepath.Join(f.root, "nope.txt"), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBackup)
	assert.ErrorIs(t, err, os.ErrNotExist)

	recs, err := f.store.ListBackups(context.Background(), core.BackupFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSnapshotDirectoryIsBackupError(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Snapshot(context.Background(), f.root, "a")
	var be *core.BackupError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "read", be.Op)
}

func TestSnapshotOutsideRootMirrorsUnderExternal(t *testing.T) {
	f := newFixture(t)
	other := t.TempDir()
	p := filepath.Join(other, "notes.md")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	rec, err := f.mgr.Snapshot(context.Background(), p, "a")
	require.NoError(t, err)
	prefix := filepath.Join(f.root, ".interlock", "backups", externalDir)
	assert.True(t, strings.HasPrefix(rec.StoragePath, prefix), rec.StoragePath)
	assert.Contains(t, rec.StoragePath, filepath.Base(other))
}

func TestSnapshotSameInstantGetsDistinctPaths(t *testing.T) {
	f := newFixture(t)
	f.mgr.now = func() time.Time { return f.clock }
	p := f.write(t, "a.txt", "1")
	r1, err := f.mgr.Snapshot(context.Background(), p, "a")
	require.NoError(t, err)
	r2, err := f.mgr.Snapshot(context.Background(), p, "a")
	require.NoError(t, err)
	assert.NotEqual(t, r1.StoragePath, r2.StoragePath)
}

type failingStore struct{ *storage.InMemory }

func (failingStore) InsertBackup(context.Context, core.BackupRecord) error {
	return errors.New("disk full")
}

func TestSnapshotRecordFailureRemovesCopy(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/proj/a.txt", []byte("data"), 0o644))
	m := New(failingStore{storage.NewInMemory()}, "/proj", "/proj/.interlock/backups", WithFs(fsys))

	_, err := m.Snapshot(context.Background(), "/proj/a.txt", "a")
	var be *core.BackupError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "record", be.Op)

	entries, err := afero.ReadDir(fsys, "/proj/.interlock/backups")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "original")
	rec, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("mutated"), 0o640))
	require.NoError(t, f.mgr.Restore(ctx, rec.ID))
	assert.Equal(t, "original", read(t, p))
	require.NoError(t, f.mgr.Restore(ctx, rec.ID))
	assert.Equal(t, "original", read(t, p))

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestRestoreRecreatesDeletedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "dir/a.txt", "keep me")
	rec, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "dir")))

	require.NoError(t, f.mgr.Restore(ctx, rec.ID))
	assert.Equal(t, "keep me", read(t, p))
}

func TestRestoreRejectsCorruptCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "original")
	rec, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.StoragePath, []byte("tampered"), 0o644))
	require.NoError(t, os.WriteFile(p, []byte("live"), 0o644))

	err = f.mgr.Restore(ctx, rec.ID)
	assert.ErrorIs(t, err, core.ErrBackup)
	assert.Equal(t, "live", read(t, p), "live file must be untouched")
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.mgr.Restore(context.Background(), "missing"), core.ErrNotFound)
}

func TestRestoreBatchReverseChronological(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.write(t, "a.txt", "a0")
	b := f.write(t, "b.txt", "b0")

	ra, err := f.mgr.SnapshotFor(ctx, a, "r", "op-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a, []byte("a1"), 0o644))
	rb, err := f.mgr.SnapshotFor(ctx, b, "r", "op-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b, []byte("b1"), 0o644))
	// Second snapshot of a within the same operation.
	ra2, err := f.mgr.SnapshotFor(ctx, a, "r", "op-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a, []byte("a2"), 0o644))
	_, err = f.mgr.SnapshotFor(ctx, a, "r", "op-2")
	require.NoError(t, err)

	restored, err := f.mgr.RestoreBatch(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, restored, 3)
	assert.Equal(t, []string{ra2.ID, rb.ID, ra.ID}, []string{restored[0].ID, restored[1].ID, restored[2].ID})
	assert.Equal(t, "a0", read(t, a))
	assert.Equal(t, "b0", read(t, b))
}

func TestRestoreBatchUnknownOperation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.RestoreBatch(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "1")
	_, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)
	second, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)

	got, err := f.mgr.Latest(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = f.mgr.Latest(ctx, filepath.Join(f.root, "other"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPruneKeepLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "1")
	q := f.write(t, "b.txt", "2")
	var recs []core.BackupRecord
	for i := 0; i < 4; i++ {
		r, err := f.mgr.Snapshot(ctx, p, "a")
		require.NoError(t, err)
		recs = append(recs, r)
	}
	_, err := f.mgr.Snapshot(ctx, q, "a")
	require.NoError(t, err)

	report, err := f.mgr.Prune(ctx, core.RetentionPolicy{KeepLast: 2})
	require.NoError(t, err)
	require.Len(t, report.Deleted, 2)
	assert.Equal(t, recs[0].ID, report.Deleted[0].ID)
	assert.Equal(t, recs[1].ID, report.Deleted[1].ID)
	assert.Equal(t, 3, report.Kept)
	assert.EqualValues(t, 2, report.Bytes)

	_, err = os.Stat(recs[0].StoragePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recs[3].StoragePath)
	assert.NoError(t, err)
}

func TestPruneMaxAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "1")
	old, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)
	f.clock = f.clock.Add(48 * time.Hour)
	fresh, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)

	report, err := f.mgr.Prune(ctx, core.RetentionPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, report.Deleted, 1)
	assert.Equal(t, old.ID, report.Deleted[0].ID)

	_, err = f.store.GetBackup(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPruneKeepLastProtectsOldBackups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "1")
	_, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)
	f.clock = f.clock.Add(72 * time.Hour)

	report, err := f.mgr.Prune(ctx, core.RetentionPolicy{MaxAge: time.Hour, KeepLast: 1})
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, 1, report.Kept)
}

func TestPruneNeedsPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Prune(context.Background(), core.RetentionPolicy{})
	assert.Error(t, err)
}

func TestRestoreRunsUnderGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.write(t, "a.txt", "v1")
	rec, err := f.mgr.Snapshot(ctx, p, "a")
	require.NoError(t, err)

	var guarded []string
	WithGuard(func(_ context.Context, path string, fn func() error) error {
		guarded = append(guarded, path)
		return fn()
	})(f.mgr)
	require.NoError(t, f.mgr.Restore(ctx, rec.ID))
	assert.Equal(t, []string{p}, guarded)

	WithGuard(func(context.Context, string, func() error) error {
		return core.ErrLockTimeout
	})(f.mgr)
	require.NoError(t, os.WriteFile(p, []byte("v2"), 0o644))
	assert.ErrorIs(t, f.mgr.Restore(ctx, rec.ID), core.ErrLockTimeout)
	assert.Equal(t, "v2", read(t, p))
}
