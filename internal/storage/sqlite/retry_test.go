package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// failingN returns fn failing with err for the first n calls, and a pointer
// to the call count.
func failingN(n int, err error) (func() error, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestRetry(t *testing.T) {
	busy := errors.New("database is locked")
	wrapped := &core.StorageError{Op: "insert lock", Err: errors.New("database is locked (5) (SQLITE_BUSY)")}
	other := errors.New("UNIQUE constraint failed")

	cases := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 0, busy, 1, false},
		{"transient busy", 3, busy, 4, false},
		{"busy inside StorageError", 1, wrapped, 2, false},
		{"other errors are not retried", 1, other, 1, true},
		{"gives up after the last retry", 100, busy, 1 + DefaultBackoff().Retries, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fn, calls := failingN(tc.failures, tc.err)
			err := retry(context.Background(), DefaultBackoff(), fn, func(context.Context, time.Duration) bool { return true })
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if *calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", *calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn, calls := failingN(100, errors.New("database is locked"))
	if err := RetryOnDBLock(ctx, fn); err == nil {
		t.Fatal("expected the busy error back")
	}
	if *calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", *calls)
	}
}

func TestBackoffDelays(t *testing.T) {
	b := Backoff{Retries: 6, Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 80, 100, 100}
	for i, w := range want {
		if got := b.delay(i + 1); got != w*time.Millisecond {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	b.Jitter = 0.25
	for n := 1; n <= 4; n++ {
		base := b.Base << (n - 1)
		for i := 0; i < 20; i++ {
			if d := b.delay(n); d < base || d > base+base/4 {
				t.Fatalf("delay(%d) = %v outside [%v, %v]", n, d, base, base+base/4)
			}
		}
	}
}
