package spawn

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"go.olrik.dev/lattice/internal/fabric"
)

// Child is the result of spawning: the process ID, the primary data
// descriptor, and an optional auxiliary TTY descriptor (-1 when absent).
// Descriptors are owned by the caller.
type Child struct {
	PID   int
	FD    int
	AuxFD int
}

// Func spawns a child process running args and wires its stdio per the
// transport's needs. File descriptors above stderr are closed in the child by
// os/exec itself.
type Func func(args []string) (Child, error)

// createSocketpair returns a connected stream socket pair with both buffers
// sized to the framing chunk size. Nonblocking state is cleared on the child
// end so the spawned runtime never inherits it from the host event loop.
func createSocketpair() (parentFD, childFD int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	if err := unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, fabric.ChunkSize); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fds[1], unix.SOL_SOCKET, unix.SO_RCVBUF, fabric.ChunkSize); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
	}
	if err := unix.SetNonblock(fds[1], false); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, fmt.Errorf("clearing O_NONBLOCK: %w", err)
	}
	return fds[0], fds[1], nil
}

// CreateChild spawns args with stdin and stdout connected to a socket pair.
func CreateChild(args []string) (Child, error) {
	return createChild(args, false)
}

// CreateChildMergedStdio is CreateChild with stderr routed to the same
// socket, for environments that forbid any TTY on stdio.
func CreateChildMergedStdio(args []string) (Child, error) {
	return createChild(args, true)
}

func createChild(args []string, mergeStdio bool) (Child, error) {
	parentFD, childFD, err := createSocketpair()
	if err != nil {
		return Child{}, err
	}

	childFile := os.NewFile(uintptr(childFD), "lattice-child")
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = childFile
	cmd.Stdout = childFile
	if mergeStdio {
		cmd.Stderr = childFile
	}

	if err := cmd.Start(); err != nil {
		childFile.Close()
		unix.Close(parentFD)
		return Child{}, err
	}
	childFile.Close()

	pid := cmd.Process.Pid
	cmd.Process.Release()
	slog.Debug("spawned socketpair child",
		"pid", pid, "fd", parentFD, "parent", os.Getpid(), "cmd", Argv(args).String())
	return Child{PID: pid, FD: parentFD, AuxFD: -1}, nil
}

// TTYCreateChild spawns args with stdin/stdout/stderr connected to the slave
// end of a pseudo-terminal that becomes the child's controlling TTY. Echo is
// disabled and both ends are placed in raw mode so password prompts from
// transports like sudo or ssh pass through unmangled.
func TTYCreateChild(args []string) (Child, error) {
	ptmx, tts, err := pty.Open()
	if err != nil {
		return Child{}, fmt.Errorf("openpty: %w", err)
	}
	if err := unix.SetNonblock(int(tts.Fd()), false); err != nil {
		ptmx.Close()
		tts.Close()
		return Child{}, fmt.Errorf("clearing O_NONBLOCK on tty: %w", err)
	}
	if err := disableEcho(int(ptmx.Fd())); err != nil {
		ptmx.Close()
		tts.Close()
		return Child{}, err
	}
	if err := disableEcho(int(tts.Fd())); err != nil {
		ptmx.Close()
		tts.Close()
		return Child{}, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = tts
	cmd.Stdout = tts
	cmd.Stderr = tts
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tts.Close()
		return Child{}, err
	}
	tts.Close()

	fd, err := unix.Dup(int(ptmx.Fd()))
	if err != nil {
		ptmx.Close()
		return Child{}, fmt.Errorf("dup tty master: %w", err)
	}
	ptmx.Close()

	pid := cmd.Process.Pid
	cmd.Process.Release()
	slog.Debug("spawned tty child",
		"pid", pid, "fd", fd, "parent", os.Getpid(), "cmd", Argv(args).String())
	return Child{PID: pid, FD: fd, AuxFD: -1}, nil
}

// HybridTTYCreateChild combines both modes: data on a socket pair for
// stdin/stdout, a pseudo-terminal for stderr and the controlling-TTY role.
// The TTY descriptor must not be closed while the child lives, since closing
// it delivers SIGHUP; adopt it with a TTY log stream instead.
func HybridTTYCreateChild(args []string) (Child, error) {
	ptmx, tts, err := pty.Open()
	if err != nil {
		return Child{}, fmt.Errorf("openpty: %w", err)
	}
	parentFD, childFD, err := createSocketpair()
	if err != nil {
		ptmx.Close()
		tts.Close()
		return Child{}, err
	}

	if err := unix.SetNonblock(int(tts.Fd()), false); err != nil {
		ptmx.Close()
		tts.Close()
		unix.Close(parentFD)
		unix.Close(childFD)
		return Child{}, fmt.Errorf("clearing O_NONBLOCK on tty: %w", err)
	}
	for _, fd := range []int{int(ptmx.Fd()), int(tts.Fd())} {
		if err := disableEcho(fd); err != nil {
			ptmx.Close()
			tts.Close()
			unix.Close(parentFD)
			unix.Close(childFD)
			return Child{}, err
		}
	}

	childFile := os.NewFile(uintptr(childFD), "lattice-child")
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = childFile
	cmd.Stdout = childFile
	cmd.Stderr = tts
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    2,
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tts.Close()
		childFile.Close()
		unix.Close(parentFD)
		return Child{}, err
	}
	tts.Close()
	childFile.Close()

	ttyFD, err := unix.Dup(int(ptmx.Fd()))
	if err != nil {
		ptmx.Close()
		unix.Close(parentFD)
		return Child{}, fmt.Errorf("dup tty master: %w", err)
	}
	ptmx.Close()

	pid := cmd.Process.Pid
	cmd.Process.Release()
	slog.Debug("spawned hybrid child",
		"pid", pid, "stdio", parentFD, "tty", ttyFD, "cmd", Argv(args).String())
	return Child{PID: pid, FD: parentFD, AuxFD: ttyFD}, nil
}
