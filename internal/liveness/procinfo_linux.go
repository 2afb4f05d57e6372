//go:build linux

package liveness

import (
	"github.com/prometheus/procfs"
)

// procInfo reads /proc/<pid>/stat. Start time is field 22, clock ticks since
// boot: stable for the life of the process and different across PID reuse.
// A zombie has exited and only awaits reaping by its parent.
func procInfo(pid int) (start uint64, zombie bool, err error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, false, err
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return 0, false, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, false, err
	}
	return stat.Starttime, stat.State == "Z", nil
}
