//go:build unix

package liveness

import (
	"errors"

	"golang.org/x/sys/unix"
)

// probe sends signal 0, which checks existence without affecting the target.
// ESRCH is the only confident "dead"; EPERM means the process exists but
// belongs to someone else.
func probe(pid int) (verdict, string) {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return alive, ""
	case errors.Is(err, unix.ESRCH):
		return dead, ""
	case errors.Is(err, unix.EPERM):
		return alive, ""
	default:
		return unknown, err.Error()
	}
}
