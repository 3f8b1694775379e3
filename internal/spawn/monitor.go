package spawn

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// ProcessMonitor demultiplexes SIGCHLD to per-PID callbacks. Each callback is
// invoked at most once, with the child's wait status, after a non-blocking
// waitpid confirms the exit.
type ProcessMonitor struct {
	mu        sync.Mutex
	callbacks map[int]func(status unix.WaitStatus)
	sigs      chan os.Signal
}

var (
	monitorOnce sync.Once
	monitor     *ProcessMonitor
)

// Monitor returns the process-wide SIGCHLD dispatcher, installing the signal
// subscription on first use.
func Monitor() *ProcessMonitor {
	monitorOnce.Do(func() {
		monitor = &ProcessMonitor{
			callbacks: make(map[int]func(unix.WaitStatus)),
			sigs:      make(chan os.Signal, 1),
		}
		signal.Notify(monitor.sigs, unix.SIGCHLD)
		go monitor.run()
	})
	return monitor
}

func (pm *ProcessMonitor) run() {
	for range pm.sigs {
		pm.sweep()
	}
}

func (pm *ProcessMonitor) sweep() {
	pm.mu.Lock()
	pending := make(map[int]func(unix.WaitStatus), len(pm.callbacks))
	for pid, cb := range pm.callbacks {
		pending[pid] = cb
	}
	pm.mu.Unlock()

	for pid, cb := range pending {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		if err != nil || wpid != pid {
			continue
		}
		pm.mu.Lock()
		_, live := pm.callbacks[pid]
		delete(pm.callbacks, pid)
		pm.mu.Unlock()
		if live {
			cb(status)
		}
	}
}

// Add registers callback to run once pid exits. A sweep runs immediately in
// case the child exited before registration and its SIGCHLD was missed.
func (pm *ProcessMonitor) Add(pid int, callback func(status unix.WaitStatus)) {
	pm.mu.Lock()
	pm.callbacks[pid] = callback
	pm.mu.Unlock()
	go pm.sweep()
}

// Remove drops any registered callback for pid.
func (pm *ProcessMonitor) Remove(pid int) {
	pm.mu.Lock()
	delete(pm.callbacks, pid)
	pm.mu.Unlock()
}
