// Package lock implements per-file exclusive locks on top of the
// coordination store.
//
// The store's insert-if-absent is the only decision point; this package
// adds the wait loop around it. On contention the current holder is checked
// for liveness and reclaimed when dead, otherwise the caller polls with
// bounded exponential backoff until its timeout runs out. Waiters are not
// queued: whoever inserts first after a release wins.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// LeaseTTL sets ExpiresAt on new locks. The lease is advisory: status
	// reports overdue locks but a live holder is never evicted.
	LeaseTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		LeaseTTL:       time.Hour,
	}
}

// Reclaimer removes a contended lock when its holder is confirmed dead.
type Reclaimer interface {
	ReclaimIfStale(ctx context.Context, rec core.LockRecord) (bool, error)
}

type Locker struct {
	store     storage.LockStore
	reclaimer Reclaimer
	cfg       Config
	log       *log.Logger
	bus       core.Broadcaster
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
}

type Option func(*Locker)

func WithConfig(cfg Config) Option {
	return func(l *Locker) {
		def := DefaultConfig()
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = def.InitialBackoff
		}
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
		if cfg.LeaseTTL <= 0 {
			cfg.LeaseTTL = def.LeaseTTL
		}
		l.cfg = cfg
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(l *Locker) {
		if lg != nil {
			l.log = lg
		}
	}
}

func WithBroadcaster(b core.Broadcaster) Option {
	return func(l *Locker) { l.bus = b }
}

// New creates a Locker. reclaimer may be nil, in which case locks held by
// dead processes are only cleared by an explicit cleanup.
func New(store storage.LockStore, reclaimer Reclaimer, opts ...Option) *Locker {
	l := &Locker{
		store:     store,
		reclaimer: reclaimer,
		cfg:       DefaultConfig(),
		log:       log.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock on filePath for holder, waiting up to timeout.
// A timeout <= 0 makes a single attempt. Locks are not reentrant: a holder
// asking again for a file it already holds waits like anyone else.
func (l *Locker) Acquire(ctx context.Context, filePath string, holder core.Holder, timeout time.Duration) (core.LockRecord, error) {
	if holder.PID <= 0 || holder.Agent == "" {
		return core.LockRecord{}, fmt.Errorf("%w: %+v", core.ErrInvalidHolder, holder)
	}
	start := l.now()
	deadline := start.Add(max(timeout, 0))
	backoff := l.cfg.InitialBackoff
	var current string

	// Store calls get the same budget as the wait so a database held by
	// another writer cannot stretch Acquire past its timeout.
	sctx, cancel := context.WithDeadline(ctx, deadline.Add(l.cfg.MaxBackoff))
	defer cancel()
	timedOut := func() error {
		waited := l.now().Sub(start)
		metrics.LockAcquires.WithLabelValues("timeout").Inc()
		l.log.Info("lock timeout", "file", filePath, "holder", holder.ID(), "held_by", current, "waited", waited)
		return &core.LockTimeoutError{Path: filePath, Holder: current, Waited: waited}
	}
	storeFailed := func(err error) error {
		if ctx.Err() == nil && sctx.Err() != nil {
			return timedOut()
		}
		metrics.LockAcquires.WithLabelValues("error").Inc()
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			metrics.LockAcquires.WithLabelValues("cancelled").Inc()
			return core.LockRecord{}, err
		}

		now := l.now()
		rec := core.LockRecord{
			FilePath:   filePath,
			Holder:     holder,
			Token:      uuid.NewString(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(l.cfg.LeaseTTL),
		}
		ok, err := l.store.InsertLock(sctx, rec)
		if err != nil {
			return core.LockRecord{}, storeFailed(err)
		}
		if ok {
			waited := now.Sub(start)
			metrics.LockAcquires.WithLabelValues("acquired").Inc()
			metrics.ObserveWait(waited)
			l.log.Debug("lock acquired", "file", filePath, "holder", holder.ID(), "waited", waited)
			l.emit(core.Event{
				Type:      core.EventLockAcquired,
				FilePath:  filePath,
				Agent:     holder.Agent,
				HolderID:  holder.ID(),
				LockToken: rec.Token,
				CreatedAt: now,
			})
			return rec, nil
		}

		cur, err := l.store.GetLock(sctx, filePath)
		if errors.Is(err, core.ErrNotFound) {
			// Released between our insert and the read.
			continue
		}
		if err != nil {
			return core.LockRecord{}, storeFailed(err)
		}
		current = cur.Holder.ID()

		if l.reclaimer != nil {
			reclaimed, err := l.reclaimer.ReclaimIfStale(sctx, cur)
			if err != nil {
				return core.LockRecord{}, storeFailed(err)
			}
			if reclaimed {
				continue
			}
		}

		remaining := deadline.Sub(l.now())
		if timeout <= 0 || remaining <= 0 {
			return core.LockRecord{}, timedOut()
		}
		wait := min(backoff, remaining)
		if !l.sleep(ctx, wait) {
			metrics.LockAcquires.WithLabelValues("cancelled").Inc()
			return core.LockRecord{}, ctx.Err()
		}
		backoff = min(backoff*2, l.cfg.MaxBackoff)
	}
}

// Release deletes the lock carrying token. Releasing a token that is not
// held (already released, reclaimed, or never issued) is a logged no-op.
func (l *Locker) Release(ctx context.Context, token string) (bool, error) {
	ok, err := l.store.DeleteLock(ctx, token)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockReleases.WithLabelValues("noop").Inc()
		l.log.Warn("release ignored, token not held", "token", token)
		return false, nil
	}
	metrics.LockReleases.WithLabelValues("released").Inc()
	return true, nil
}

// ReleaseLock releases rec and reports the file it belonged to.
func (l *Locker) ReleaseLock(ctx context.Context, rec core.LockRecord) (bool, error) {
	ok, err := l.Release(ctx, rec.Token)
	if err != nil || !ok {
		return ok, err
	}
	l.emit(core.Event{
		Type:      core.EventLockReleased,
		FilePath:  rec.FilePath,
		Agent:     rec.Holder.Agent,
		HolderID:  rec.Holder.ID(),
		LockToken: rec.Token,
		CreatedAt: l.now(),
	})
	return true, nil
}

func (l *Locker) IsLocked(ctx context.Context, filePath string) (bool, error) {
	_, err := l.store.GetLock(ctx, filePath)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Holder returns the current lock row for filePath, or core.ErrNotFound.
func (l *Locker) Holder(ctx context.Context, filePath string) (core.LockRecord, error) {
	return l.store.GetLock(ctx, filePath)
}

func (l *Locker) ListActiveLocks(ctx context.Context) ([]core.LockRecord, error) {
	return l.store.ListLocks(ctx)
}

func (l *Locker) emit(ev core.Event) {
	if l.bus != nil {
		l.bus.Broadcast(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
