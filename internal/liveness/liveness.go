// Package liveness answers whether a recorded lock holder is still running.
//
// A holder is identified by PID plus process start time. The start time
// catches PID reuse: a new, unrelated process that happens to get the dead
// holder's PID will have a different start time.
//
// Checkers never return errors. Anything short of a confident "this process
// is gone" is reported as alive, so a lock is only ever reclaimed from a
// holder that is known to be dead.
package liveness

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mistakeknot/interlock/internal/core"
)

// Checker reports whether the process fingerprinted by pid and startTime is
// running. startTime 0 means "unknown" and is matched by PID alone.
type Checker interface {
	IsAlive(ctx context.Context, pid int, startTime uint64) bool
}

// verdict is the three-valued result of a platform probe.
type verdict int

const (
	alive verdict = iota
	dead
	unknown
)

// OS is the default Checker backed by the host process table.
type OS struct {
	log *log.Logger
}

func NewOS(logger *log.Logger) *OS {
	if logger == nil {
		logger = log.Default()
	}
	return &OS{log: logger}
}

func (c *OS) IsAlive(_ context.Context, pid int, startTime uint64) bool {
	if pid <= 0 {
		c.log.Warn("liveness ambiguous, treating holder as alive", "pid", pid, "reason", "invalid pid")
		return true
	}
	switch v, reason := probe(pid); v {
	case dead:
		return false
	case unknown:
		c.log.Warn("liveness ambiguous, treating holder as alive", "pid", pid, "reason", reason)
		return true
	}
	current, zombie, err := procInfo(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Exited between the probe and the /proc read.
			return false
		}
		c.log.Warn("liveness ambiguous, treating holder as alive", "pid", pid, "reason", err)
		return true
	}
	if zombie {
		return false
	}
	if startTime == 0 || current == 0 {
		// Platform cannot fingerprint; the PID probe is all we have.
		return true
	}
	return current == startTime
}

var (
	selfOnce  sync.Once
	selfStart uint64
)

// Self fingerprints the current process for use as a lock holder.
func Self(agent string) core.Holder {
	selfOnce.Do(func() {
		selfStart, _, _ = procInfo(os.Getpid())
	})
	return core.Holder{PID: os.Getpid(), StartTime: selfStart, Agent: agent}
}

// Fingerprint returns the holder identity of an arbitrary running process.
func Fingerprint(pid int, agent string) (core.Holder, error) {
	st, _, err := procInfo(pid)
	if err != nil {
		return core.Holder{}, err
	}
	return core.Holder{PID: pid, StartTime: st, Agent: agent}, nil
}
