package storage

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestInMemoryInsertLockIsExclusive(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	ok, err := st.InsertLock(ctx, core.LockRecord{FilePath: "/a.go", Token: "t1"})
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = st.InsertLock(ctx, core.LockRecord{FilePath: "/a.go", Token: "t2"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatal("expected second insert on same path to lose")
	}

	// Reclaim with the wrong token must not remove the lock.
	deleted, _ := st.DeleteLockIfHeld(ctx, "/a.go", "t2")
	if deleted {
		t.Fatal("expected compare-and-delete with stale token to be a no-op")
	}
	deleted, _ = st.DeleteLock(ctx, "t1")
	if !deleted {
		t.Fatal("expected release by token to delete")
	}
	if _, err := st.GetLock(ctx, "/a.go"); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
}

func TestInMemoryFinishModificationOnce(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	_ = st.StartModification(ctx, core.ModificationRecord{ID: "m1", FilePath: "/a.go", StartedAt: time.Now()})
	if err := st.FinishModification(ctx, "m1", time.Now(), true, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := st.FinishModification(ctx, "m1", time.Now(), false, "again"); err != core.ErrNotFound {
		t.Fatalf("expected second finish to be rejected, got %v", err)
	}
	rec, _ := st.GetModification(ctx, "m1")
	if !rec.Success || rec.ErrorMessage != "" {
		t.Fatalf("finalized row mutated: %+v", rec)
	}
}
