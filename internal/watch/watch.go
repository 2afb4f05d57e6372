// Package watch reports file changes made without going through the lock.
//
// Watched directories are observed with fsnotify. A change counts as
// protected when the file is locked at the time the event is handled, or
// when its lock was released within the grace window (events are delivered
// asynchronously and often arrive just after the writer let go).
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
)

const DefaultGrace = 2 * time.Second

// LockChecker is the subset of the lock API the watcher needs.
type LockChecker interface {
	IsLocked(ctx context.Context, path string) (bool, error)
}

type Watcher struct {
	fsw    *fsnotify.Watcher
	locks  LockChecker
	bus    core.Broadcaster
	log    *log.Logger
	ignore []string
	grace  time.Duration

	mu       sync.Mutex
	released map[string]time.Time
	now      func() time.Time
}

// New creates a Watcher. Paths under any of ignore (the state directory)
// are never reported.
func New(locks LockChecker, bus core.Broadcaster, logger *log.Logger, ignore ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		fsw:      fsw,
		locks:    locks,
		bus:      bus,
		log:      logger,
		ignore:   ignore,
		grace:    DefaultGrace,
		released: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Add starts watching dir (not recursively).
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return w.fsw.Add(abs)
}

// Broadcast receives coordination events so recent releases can be
// remembered. It lets the Watcher subscribe to a coord.Manager.
func (w *Watcher) Broadcast(ev core.Event) {
	if ev.Type != core.EventLockReleased && ev.Type != core.EventLockReclaimed {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released[ev.FilePath] = w.now()
}

// Run handles events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "err", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	path := filepath.Clean(ev.Name)
	if w.ignored(path) {
		return
	}
	if w.protected(ctx, path) {
		return
	}
	metrics.UnprotectedWrites.Inc()
	w.log.Warn("unprotected write detected", "file", path, "op", ev.Op.String())
	if w.bus != nil {
		w.bus.Broadcast(core.Event{
			Type:      core.EventUnprotectedWrite,
			FilePath:  path,
			Detail:    ev.Op.String(),
			CreatedAt: w.now(),
		})
	}
}

func (w *Watcher) ignored(path string) bool {
	for _, dir := range w.ignore {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	// Temp files written by backup restores.
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".restore-")
}

func (w *Watcher) protected(ctx context.Context, path string) bool {
	w.mu.Lock()
	at, ok := w.released[path]
	now := w.now()
	for p, t := range w.released {
		if now.Sub(t) > w.grace {
			delete(w.released, p)
		}
	}
	w.mu.Unlock()
	if ok && now.Sub(at) <= w.grace {
		return true
	}
	locked, err := w.locks.IsLocked(ctx, path)
	if err != nil {
		w.log.Debug("watcher lock lookup failed", "file", path, "err", err)
		return true
	}
	return locked
}
