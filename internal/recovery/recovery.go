// Package recovery reclaims locks whose holders have died.
//
// A lock is only ever removed on a confident "dead" answer from the
// liveness checker, and only with a compare-and-delete on the token that
// was observed, so two racing reclaimers can never remove a newer lock.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/liveness"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

const defaultConcurrency = 8

type Reclaimer struct {
	locks       storage.LockStore
	checker     liveness.Checker
	log         *log.Logger
	bus         core.Broadcaster
	concurrency int
	now         func() time.Time
}

type Option func(*Reclaimer)

func WithLogger(l *log.Logger) Option {
	return func(r *Reclaimer) {
		if l != nil {
			r.log = l
		}
	}
}

func WithBroadcaster(b core.Broadcaster) Option {
	return func(r *Reclaimer) { r.bus = b }
}

// WithConcurrency bounds the number of liveness checks CleanupStaleLocks
// runs at once.
func WithConcurrency(n int) Option {
	return func(r *Reclaimer) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func New(locks storage.LockStore, checker liveness.Checker, opts ...Option) *Reclaimer {
	r := &Reclaimer{
		locks:       locks,
		checker:     checker,
		log:         log.Default(),
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify reports HELD while the holder may still be running and STALE once
// it is confirmed dead.
func (r *Reclaimer) Classify(ctx context.Context, rec core.LockRecord) core.LockState {
	if r.checker.IsAlive(ctx, rec.Holder.PID, rec.Holder.StartTime) {
		return core.LockHeld
	}
	return core.LockStale
}

// ReclaimIfStale deletes rec when its holder is dead. It returns false when
// the holder is alive or when the row was already released or replaced.
func (r *Reclaimer) ReclaimIfStale(ctx context.Context, rec core.LockRecord) (bool, error) {
	if r.Classify(ctx, rec) != core.LockStale {
		return false, nil
	}
	ok, err := r.locks.DeleteLockIfHeld(ctx, rec.FilePath, rec.Token)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r.log.Warn("reclaimed stale lock",
		"file", rec.FilePath,
		"holder", rec.Holder.ID(),
		"held_for", r.now().Sub(rec.AcquiredAt).Round(time.Millisecond))
	metrics.LockReclaims.Inc()
	if r.bus != nil {
		r.bus.Broadcast(core.Event{
			Type:      core.EventLockReclaimed,
			FilePath:  rec.FilePath,
			Agent:     rec.Holder.Agent,
			HolderID:  rec.Holder.ID(),
			LockToken: rec.Token,
			CreatedAt: r.now(),
		})
	}
	return true, nil
}

// CleanupStaleLocks checks every lock row and reclaims those held by dead
// processes. Reclaimed locks are returned sorted by path, even when some
// checks failed.
func (r *Reclaimer) CleanupStaleLocks(ctx context.Context) ([]core.LockRecord, error) {
	recs, err := r.locks.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	var (
		mu        sync.Mutex
		reclaimed []core.LockRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			ok, err := r.ReclaimIfStale(gctx, rec)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				reclaimed = append(reclaimed, rec)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	sort.Slice(reclaimed, func(i, j int) bool { return reclaimed[i].FilePath < reclaimed[j].FilePath })
	if len(reclaimed) > 0 {
		r.log.Info("stale lock cleanup", "checked", len(recs), "reclaimed", len(reclaimed))
	}
	return reclaimed, err
}
