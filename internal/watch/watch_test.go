package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/core"
)

type fakeLocks struct {
	mu     sync.Mutex
	locked map[string]bool
}

func (f *fakeLocks) IsLocked(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[path], nil
}

type chanBus chan core.Event

func (c chanBus) Broadcast(ev core.Event) { c <- ev }

func setup(t *testing.T, locked ...string) (string, *Watcher, chanBus) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	locks := &fakeLocks{locked: map[string]bool{}}
	for _, name := range locked {
		locks.locked[filepath.Join(dir, name)] = true
	}
	bus := make(chanBus, 64)
	w, err := New(locks, bus, log.New(io.Discard), filepath.Join(dir, ".interlock"))
	require.NoError(t, err)
	require.NoError(t, w.Add(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return dir, w, bus
}

func next(t *testing.T, bus chanBus) core.Event {
	t.Helper()
	select {
	case ev := <-bus:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("no event")
		return core.Event{}
	}
}

func TestUnprotectedWriteReported(t *testing.T) {
	dir, _, bus := setup(t)
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	ev := next(t, bus)
	assert.Equal(t, core.EventUnprotectedWrite, ev.Type)
	assert.Equal(t, p, ev.FilePath)
}

func TestLockedAndIgnoredWritesNotReported(t *testing.T) {
	dir, w, bus := setup(t, "locked.txt")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".interlock"), 0o755))

	released := filepath.Join(dir, "released.txt")
	w.Broadcast(core.Event{Type: core.EventLockReleased, FilePath: released})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "locked.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(released, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".a.txt.restore-123"), []byte("x"), 0o644))
	sentinel := filepath.Join(dir, "sentinel.txt")
	require.NoError(t, os.WriteFile(sentinel, []byte("x"), 0o644))

	ev := next(t, bus)
	assert.Equal(t, sentinel, ev.FilePath, "only the sentinel write is unprotected")
}

func TestReleaseGraceExpires(t *testing.T) {
	locks := &fakeLocks{locked: map[string]bool{}}
	w, err := New(locks, nil, log.New(io.Discard))
	require.NoError(t, err)
	defer w.Close()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	w.Broadcast(core.Event{Type: core.EventLockReleased, FilePath: "/a"})
	assert.True(t, w.protected(context.Background(), "/a"))
	clock = clock.Add(w.grace + time.Second)
	assert.False(t, w.protected(context.Background(), "/a"))
}
