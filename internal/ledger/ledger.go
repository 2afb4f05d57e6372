// Package ledger keeps the append-only audit trail of modification attempts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/storage"
)

const DefaultWriteTimeout = 5 * time.Second

type Ledger struct {
	store        storage.LedgerStore
	writeTimeout time.Duration
	log          *log.Logger
	bus          core.Broadcaster
	now          func() time.Time
}

type Option func(*Ledger)

// WithWriteTimeout bounds each ledger write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.log = lg
		}
	}
}

func WithBroadcaster(b core.Broadcaster) Option {
	return func(l *Ledger) { l.bus = b }
}

func New(store storage.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		writeTimeout: DefaultWriteTimeout,
		log:          log.Default(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// writeCtx detaches from the caller's cancellation, so an attempt that was
// started is always finalized, and bounds the write with its own timeout.
func (l *Ledger) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
}

// RecordStart appends an unfinished row for an attempt and returns its id.
func (l *Ledger) RecordStart(ctx context.Context, start core.ModificationStart) (string, error) {
	if start.FilePath == "" {
		return "", fmt.Errorf("record start: file path required")
	}
	wctx, cancel := l.writeCtx(ctx)
	defer cancel()
	rec := core.ModificationRecord{
		ID:          uuid.NewString(),
		FilePath:    start.FilePath,
		Agent:       start.Agent,
		LockToken:   start.LockToken,
		BackupID:    start.BackupID,
		OperationID: start.OperationID,
		StartedAt:   l.now(),
	}
	if err := l.store.StartModification(wctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// RecordFinish finalizes an attempt. A row can be finalized only once;
// finishing it again returns core.ErrNotFound.
func (l *Ledger) RecordFinish(ctx context.Context, id string, success bool, errMsg string) error {
	wctx, cancel := l.writeCtx(ctx)
	defer cancel()
	now := l.now()
	if err := l.store.FinishModification(wctx, id, now, success, errMsg); err != nil {
		return fmt.Errorf("record finish %s: %w", id, err)
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.Modifications.WithLabelValues(outcome).Inc()
	if l.bus != nil {
		rec, err := l.store.GetModification(wctx, id)
		if err != nil {
			l.log.Warn("ledger event skipped", "modification", id, "err", err)
			return nil
		}
		l.bus.Broadcast(core.Event{
			Type:      core.EventModificationFinished,
			FilePath:  rec.FilePath,
			Agent:     rec.Agent,
			LockToken: rec.LockToken,
			BackupID:  rec.BackupID,
			Success:   &success,
			Detail:    errMsg,
			CreatedAt: now,
		})
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (core.ModificationRecord, error) {
	return l.store.GetModification(ctx, id)
}

// History returns up to limit of the newest attempts on filePath, oldest
// first. limit <= 0 returns every attempt.
func (l *Ledger) History(ctx context.Context, filePath string, limit int) ([]core.ModificationRecord, error) {
	return l.store.ModificationHistory(ctx, filePath, limit)
}

// Recent returns the newest attempts across all files, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]core.ModificationRecord, error) {
	return l.store.RecentModifications(ctx, limit)
}
