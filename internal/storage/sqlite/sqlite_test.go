package sqlite

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

func testLock(path, token string, pid int) core.LockRecord {
	now := time.Now().UTC()
	return core.LockRecord{
		FilePath:   path,
		Holder:     core.Holder{PID: pid, StartTime: 4242, Agent: "agent-x"},
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestSQLiteInsertLockConflict(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	ok, err := st.InsertLock(ctx, testLock("/repo/foo.py", "tok-1", 100))
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = st.InsertLock(ctx, testLock("/repo/foo.py", "tok-2", 200))
	if err != nil {
		t.Fatalf("conflicting insert should not error: %v", err)
	}
	if ok {
		t.Fatal("expected conflicting insert to lose")
	}

	got, err := st.GetLock(ctx, "/repo/foo.py")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if got.Token != "tok-1" || got.Holder.PID != 100 || got.Holder.StartTime != 4242 {
		t.Fatalf("expected original holder to survive, got %+v", got)
	}
	if got.Holder.Agent != "agent-x" {
		t.Fatalf("expected agent-x, got %s", got.Holder.Agent)
	}
}

func TestSQLiteDeleteLockByToken(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_, _ = st.InsertLock(ctx, testLock("/repo/a.go", "tok-a", 1))

	deleted, err := st.DeleteLock(ctx, "not-the-token")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatal("expected mismatched token to delete nothing")
	}
	deleted, _ = st.DeleteLock(ctx, "tok-a")
	if !deleted {
		t.Fatal("expected matching token to delete")
	}
	if _, err := st.GetLock(ctx, "/repo/a.go"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Double release is a no-op.
	deleted, err = st.DeleteLock(ctx, "tok-a")
	if err != nil || deleted {
		t.Fatalf("expected no-op double release, got deleted=%v err=%v", deleted, err)
	}
}

func TestSQLiteDeleteLockIfHeldIsCompareAndDelete(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_, _ = st.InsertLock(ctx, testLock("/repo/a.go", "old", 1))
	_, _ = st.DeleteLock(ctx, "old")
	_, _ = st.InsertLock(ctx, testLock("/repo/a.go", "new", 2))

	deleted, err := st.DeleteLockIfHeld(ctx, "/repo/a.go", "old")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if deleted {
		t.Fatal("reclaiming with a stale token must not remove the newer lock")
	}
	deleted, _ = st.DeleteLockIfHeld(ctx, "/repo/a.go", "new")
	if !deleted {
		t.Fatal("expected reclaim with current token to delete")
	}
}

func TestSQLiteLockRowsAreImmutable(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_, _ = st.InsertLock(ctx, testLock("/repo/a.go", "tok", 1))
	_, err := st.db.ExecContext(ctx, `UPDATE locks SET lock_token = 'other' WHERE file_path = ?`, "/repo/a.go")
	if err == nil {
		t.Fatal("expected update on locks to be rejected")
	}
}

func TestSQLiteListLocksOrdered(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	first := testLock("/repo/b.go", "tok-b", 1)
	second := testLock("/repo/a.go", "tok-a", 2)
	second.AcquiredAt = first.AcquiredAt.Add(time.Second)
	_, _ = st.InsertLock(ctx, second)
	_, _ = st.InsertLock(ctx, first)

	locks, err := st.ListLocks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("expected 2 locks, got %d", len(locks))
	}
	if locks[0].FilePath != "/repo/b.go" {
		t.Fatalf("expected oldest lock first, got %s", locks[0].FilePath)
	}
}

func TestSQLiteBackups(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"b1", "b2", "b3"} {
		op := ""
		if id != "b1" {
			op = "op-1"
		}
		err := st.InsertBackup(ctx, core.BackupRecord{
			ID:          id,
			FilePath:    "/repo/a.go",
			Agent:       "agent-x",
			OperationID: op,
			StoragePath: "/backups/" + id,
			Size:        int64(10 * (i + 1)),
			Checksum:    "sum-" + id,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := st.GetBackup(ctx, "b2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Size != 20 || got.OperationID != "op-1" || !got.CreatedAt.Equal(base.Add(time.Millisecond)) {
		t.Fatalf("unexpected backup: %+v", got)
	}

	newest, _ := st.ListBackups(ctx, core.BackupFilter{FilePath: "/repo/a.go", Newest: true, Limit: 1})
	if len(newest) != 1 || newest[0].ID != "b3" {
		t.Fatalf("expected b3 newest, got %+v", newest)
	}
	opBackups, _ := st.ListBackups(ctx, core.BackupFilter{OperationID: "op-1"})
	if len(opBackups) != 2 || opBackups[0].ID != "b2" {
		t.Fatalf("expected [b2 b3] for op-1, got %+v", opBackups)
	}
	older, _ := st.ListBackups(ctx, core.BackupFilter{CreatedBefore: base.Add(time.Millisecond)})
	if len(older) != 1 || older[0].ID != "b1" {
		t.Fatalf("expected only b1 before cutoff, got %+v", older)
	}

	if _, err := st.db.ExecContext(ctx, `UPDATE backups SET size = 0 WHERE backup_id = 'b1'`); err == nil {
		t.Fatal("expected backup rows to be immutable")
	}
	if err := st.DeleteBackup(ctx, "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteBackup(ctx, "b1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSQLiteModificationLedger(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	start := time.Now().UTC()

	for _, id := range []string{"m1", "m2", "m3"} {
		err := st.StartModification(ctx, core.ModificationRecord{
			ID: id, FilePath: "/repo/a.go", Agent: "agent-x", LockToken: "tok", StartedAt: start,
		})
		if err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	_ = st.StartModification(ctx, core.ModificationRecord{ID: "other", FilePath: "/repo/b.go", Agent: "y", LockToken: "t", StartedAt: start})

	if err := st.FinishModification(ctx, "m1", start.Add(time.Second), false, "boom"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := st.FinishModification(ctx, "m1", start.Add(2*time.Second), true, ""); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected finalized row to reject second finish, got %v", err)
	}

	m1, err := st.GetModification(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m1.Success || m1.ErrorMessage != "boom" || !m1.Finished() {
		t.Fatalf("unexpected m1: %+v", m1)
	}

	hist, err := st.ModificationHistory(ctx, "/repo/a.go", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 || hist[0].ID != "m1" || hist[2].ID != "m3" {
		t.Fatalf("expected chronological m1..m3, got %+v", hist)
	}
	if hist[1].Finished() {
		t.Fatal("m2 should still be open")
	}

	last2, _ := st.ModificationHistory(ctx, "/repo/a.go", 2)
	if len(last2) != 2 || last2[0].ID != "m2" || last2[1].ID != "m3" {
		t.Fatalf("expected newest two in order [m2 m3], got %+v", last2)
	}

	recent, _ := st.RecentModifications(ctx, 2)
	if len(recent) != 2 || recent[0].ID != "other" {
		t.Fatalf("expected newest first, got %+v", recent)
	}
}

func TestSQLiteReopenKeepsState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), ".interlock", "interlock.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = st.InsertLock(context.Background(), testLock("/repo/a.go", "tok", 1))
	st.Close()

	st, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, err := st.GetLock(context.Background(), "/repo/a.go"); err != nil {
		t.Fatalf("expected lock to persist across reopen: %v", err)
	}
}

func TestSQLiteRefusesCorruptStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "interlock.db")
	if err := os.WriteFile(dbPath, bytes.Repeat([]byte("not a database "), 512), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := New(dbPath)
	if err == nil {
		t.Fatal("expected corrupt store to be refused")
	}
	var corrupt *core.StorageCorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected StorageCorruptionError, got %T: %v", err, err)
	}
}

func TestResilientPassesNotFoundThrough(t *testing.T) {
	st := NewResilient(NewSQLiteTest(t))
	for i := 0; i < 10; i++ {
		if _, err := st.GetLock(context.Background(), "/missing"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if st.CircuitBreakerState() != "closed" {
		t.Fatalf("expected closed breaker, got %s", st.CircuitBreakerState())
	}
}

func TestResilientIgnoresCancelledCallers(t *testing.T) {
	st := NewResilient(NewSQLiteTest(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		if _, err := st.ListLocks(ctx); err == nil {
			t.Fatal("expected error from cancelled context")
		}
	}
	if st.CircuitBreakerState() != "closed" {
		t.Fatalf("cancelled callers opened the breaker: %s", st.CircuitBreakerState())
	}
}

func TestResilientCleanupSkipsOpenBreaker(t *testing.T) {
	inner := NewSQLiteTest(t)
	cb := NewCircuitBreaker(1, time.Hour)
	st := NewResilientWithBreaker(inner, cb)
	ctx := context.Background()

	if _, err := inner.InsertLock(ctx, testLock("/repo/a.go", "tok", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := inner.StartModification(ctx, core.ModificationRecord{
		ID: "m1", FilePath: "/repo/a.go", Agent: "agent-x", LockToken: "tok", StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = cb.Execute(func() error { return errors.New("disk I/O error") })
	if st.CircuitBreakerState() != "open" {
		t.Fatalf("expected open breaker, got %s", st.CircuitBreakerState())
	}
	if _, err := st.ListLocks(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reads to be refused, got %v", err)
	}

	if err := st.FinishModification(ctx, "m1", time.Now().UTC(), true, ""); err != nil {
		t.Fatalf("finish with open breaker: %v", err)
	}
	ok, err := st.DeleteLock(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("release with open breaker: ok=%v err=%v", ok, err)
	}
	if _, err := inner.GetLock(ctx, "/repo/a.go"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("lock row survived release: %v", err)
	}
}
