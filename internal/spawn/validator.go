package spawn

import (
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// createTimeSlack absorbs clock granularity differences between our wall
// clock and the kernel's process accounting.
const createTimeSlack = 5 * time.Second

// ValidateChild reports whether pid still refers to the process spawned at
// started, guarding signal delivery against PID reuse. When the process table
// cannot answer (restricted /proc, exotic platforms) the PID is presumed
// still ours.
func ValidateChild(pid int, started time.Time) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("process not found", "pid", pid, "error", err)
		return false
	}

	createMS, err := proc.CreateTime()
	if err != nil {
		slog.Debug("cannot read process create time", "pid", pid, "error", err)
		return true
	}

	created := time.UnixMilli(createMS)
	delta := created.Sub(started)
	if delta < 0 {
		delta = -delta
	}
	if delta > createTimeSlack {
		slog.Debug("pid reused by another process",
			"pid", pid, "spawned", started, "created", created)
		return false
	}
	return true
}
