package recovery

import (
	"context"
	"time"
)

// Sweeper runs CleanupStaleLocks periodically in a background goroutine.
type Sweeper struct {
	reclaimer *Reclaimer
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(r *Reclaimer, interval time.Duration) *Sweeper {
	return &Sweeper{
		reclaimer: r,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. The first sweep runs
// immediately so locks left by a crash before startup are cleared.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	if _, err := sw.reclaimer.CleanupStaleLocks(ctx); err != nil && ctx.Err() == nil {
		sw.reclaimer.log.Error("sweeper", "err", err)
	}
}
