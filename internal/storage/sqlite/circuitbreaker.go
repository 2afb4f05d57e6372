package sqlite

import (
	"context"
	"errors"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/metrics"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without touching the store while the breaker is
// open.
var ErrCircuitOpen = errors.New("coordination store circuit breaker is open")

// CircuitBreaker stops hammering a store that keeps failing. After threshold
// consecutive storage faults it opens; once cooldown has passed a single
// probe call is let through, and its outcome closes or re-opens it.
// Domain outcomes such as core.ErrNotFound and callers giving up (context
// cancellation, deadlines, the interrupt SQLite raises for them) are not
// faults.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	faults   int
	openedAt time.Time
	now      func() time.Time
	onChange func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// OnStateChange registers fn, called outside the breaker's lock on every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Execute runs fn unless the breaker is refusing calls.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		metrics.StoreRejected.Inc()
		return err
	}
	err = fn()
	cb.record(probe, isStoreFault(err))
	return err
}

// admit decides whether a call may run and whether it is the half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.moveLocked(StateHalfOpen)
		return true, nil
	default:
		cb.mu.Unlock()
		return false, ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) record(probe, fault bool) {
	cb.mu.Lock()
	switch {
	case probe && fault:
		cb.openedAt = cb.now()
		cb.moveLocked(StateOpen)
	case probe:
		cb.faults = 0
		cb.moveLocked(StateClosed)
	case cb.state != StateClosed:
		// A call admitted while closed finished after the breaker tripped.
		cb.mu.Unlock()
	case !fault:
		cb.faults = 0
		cb.mu.Unlock()
	default:
		cb.faults++
		if cb.faults < cb.threshold {
			cb.mu.Unlock()
			return
		}
		cb.openedAt = cb.now()
		cb.moveLocked(StateOpen)
	}
}

// moveLocked switches to state, releases cb.mu and runs the change hook.
func (cb *CircuitBreaker) moveLocked(to BreakerState) {
	from := cb.state
	cb.state = to
	hook := cb.onChange
	cb.mu.Unlock()
	if from == to {
		return
	}
	metrics.StoreBreakerState.Set(float64(to))
	if hook != nil {
		hook(from, to)
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func isStoreFault(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, core.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_INTERRUPT {
		return false
	}
	return true
}
