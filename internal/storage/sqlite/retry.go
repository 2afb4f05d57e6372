package sqlite

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mistakeknot/interlock/internal/metrics"
)

// Backoff describes how a statement that hit SQLITE_BUSY is retried.
type Backoff struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
	// Jitter adds up to this fraction of each delay, e.g. 0.25.
	Jitter float64
}

// DefaultBackoff allows seven retries from 50ms, doubling up to 2s, with
// 25% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Retries: 7, Base: 50 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.25}
}

// delay is the wait before retry n (1-based).
func (b Backoff) delay(n int) time.Duration {
	d := b.Base << (n - 1)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	return d + time.Duration(float64(d)*b.Jitter*rand.Float64())
}

// RetryOnDBLock runs fn, retrying with DefaultBackoff while another
// connection holds SQLite's write lock. Any other error, or ctx ending,
// returns the last error immediately.
func RetryOnDBLock(ctx context.Context, fn func() error) error {
	return retry(ctx, DefaultBackoff(), fn, sleepCtx)
}

func retry(ctx context.Context, b Backoff, fn func() error, sleep func(context.Context, time.Duration) bool) error {
	err := fn()
	for n := 1; n <= b.Retries && isBusy(err); n++ {
		if !sleep(ctx, b.delay(n)) {
			break
		}
		metrics.StoreRetries.Inc()
		err = fn()
	}
	return err
}

// sleepCtx waits d or until ctx is done. It reports whether the full wait
// elapsed.
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

// isBusy reports whether err is SQLite refusing a write because another
// connection holds the lock.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
