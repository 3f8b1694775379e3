package parent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go.olrik.dev/lattice/internal/bootstrap"
	"go.olrik.dev/lattice/internal/fabric"
	"go.olrik.dev/lattice/internal/spawn"
)

// The two runtime roots every child receives during bootstrap; modules the
// forwarder never needs to push again.
var builtinModules = []string{"lattice", "lattice.core"}

// ec0 and ec1 are the handshake markers written by the first stage.
var (
	ec0 = []byte("EC0\n")
	ec1 = []byte("EC1\n")
)

// Stream owns one spawned child: its process, byte endpoints, handshake
// state and shutdown. It moves new → await_ec0 → await_ec1 → live in one
// direction only; any handshake failure reaps the child and surfaces a
// StreamError or TimeoutError.
type Stream struct {
	*fabric.Stream

	router    *Router
	transport *Transport
	opts      Options

	pid       int
	startedAt time.Time
	auxFD     int
	deadline  time.Time

	ttyLog *TTYLogStream

	sentMu      sync.Mutex
	sentModules map[string]struct{}

	reapMu sync.Mutex
	reaped bool
}

// NewStream prepares a stream for a child that will be assigned remoteID.
// It validates and defaults opts but spawns nothing until Connect.
func NewStream(r *Router, remoteID uint32, t *Transport, opts Options) (*Stream, error) {
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = r.MaxMessageSize()
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	s := &Stream{
		Stream:      fabric.NewStream(r.Router, remoteID),
		router:      r,
		transport:   t,
		opts:        opts,
		auxFD:       -1,
		sentModules: make(map[string]struct{}, len(builtinModules)),
	}
	for _, name := range builtinModules {
		s.sentModules[name] = struct{}{}
	}
	return s, nil
}

func (s *Stream) PID() int         { return s.pid }
func (s *Stream) Options() Options { return s.opts }

// ModuleSent reports whether fullname was already pushed to this child, and
// records it either way.
func (s *Stream) ModuleSent(fullname string) bool {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	_, sent := s.sentModules[fullname]
	s.sentModules[fullname] = struct{}{}
	return sent
}

func (s *Stream) runtimeSource() string {
	if s.opts.Runtime != "" {
		return s.opts.Runtime
	}
	return bootstrap.DefaultRuntime
}

func (s *Stream) mainArgs() bootstrap.MainArgs {
	identity := s.router.Identity()
	parentIDs := make([]uint32, 0, len(identity.ParentIDs)+1)
	parentIDs = append(parentIDs, identity.ContextID)
	parentIDs = append(parentIDs, identity.ParentIDs...)
	return bootstrap.MainArgs{
		ParentIDs:      parentIDs,
		ContextID:      s.RemoteID(),
		Debug:          s.opts.Debug,
		Profiling:      s.opts.Profiling,
		LogLevel:       s.opts.LogLevel,
		Whitelist:      s.opts.Whitelist,
		Blacklist:      s.opts.Blacklist,
		MaxMessageSize: s.opts.MaxMessageSize,
		Version:        version,
	}
}

// BootCommand returns the interpreter argv for this stream's child, before
// transport wrapping.
func (s *Stream) BootCommand() ([]string, []byte, error) {
	preamble, plainLen, err := bootstrap.Preamble(s.runtimeSource(), s.mainArgs())
	if err != nil {
		return nil, nil, streamErrorf("building preamble: %s", err)
	}
	boot, err := bootstrap.BootCommand(s.opts.PythonPath, s.opts.RemoteName, len(preamble), plainLen)
	if err != nil {
		return nil, nil, streamErrorf("building boot command: %s", err)
	}
	return boot, preamble, nil
}

// Connect spawns the child and runs the handshake to completion. On return
// with nil error the stream is live and its endpoints are attached; the
// caller still has to register it with the router and route monitor.
func (s *Stream) Connect(ctx context.Context) error {
	boot, preamble, err := s.BootCommand()
	if err != nil {
		return err
	}
	args, err := s.transport.command(boot, s.opts)
	if err != nil {
		return streamErrorf("building %s command: %s", s.transport.Name, err)
	}

	child, err := s.transport.spawner()(args)
	if err != nil {
		return streamErrorf("child start failed: %s; command was: %s",
			err, spawn.Argv(args))
	}

	s.pid = child.PID
	s.startedAt = time.Now()
	s.auxFD = child.AuxFD
	s.deadline = time.Now().Add(s.opts.ConnectTimeout)
	s.SetName(fmt.Sprintf("%s.%d", s.transport.Name, s.pid))
	slog.Debug("connecting", "stream", s.Name(), "pid", s.pid, "cmd", spawn.Argv(args).String())

	if err := s.bootstrapChild(ctx, child.FD, preamble); err != nil {
		s.closeHandshakeFDs(child.FD)
		s.ReapChild()
		return err
	}

	// Handshake done: hand the descriptor pair to the framed layer. The
	// transmit side is duplicated so the two directions close independently.
	xmitFD, err := unix.Dup(child.FD)
	if err != nil {
		s.closeHandshakeFDs(child.FD)
		s.ReapChild()
		return streamErrorf("dup stream fd: %s", err)
	}
	s.AttachFiles(
		os.NewFile(uintptr(child.FD), s.Name()+"-recv"),
		os.NewFile(uintptr(xmitFD), s.Name()+"-xmit"),
	)
	if s.auxFD >= 0 {
		s.ttyLog = NewTTYLogStream(s.auxFD, s)
	}
	s.OnDisconnect(func() {
		s.ReapChild()
		if s.ttyLog != nil {
			s.ttyLog.Close()
		}
	})
	spawn.Monitor().Add(s.pid, func(status unix.WaitStatus) {
		slog.Debug("child exited", "stream", s.Name(), "pid", s.pid, "status", status)
	})
	return nil
}

func (s *Stream) closeHandshakeFDs(fd int) {
	unix.Close(fd)
	if s.auxFD >= 0 {
		unix.Close(s.auxFD)
		s.auxFD = -1
	}
}

// bootstrapChild waits for EC0, streams the compressed preamble, and waits
// for EC1. Transport chatter (sudo/ssh prompts on merged stderr) before the
// markers is discarded. A deadline on ctx, when earlier, replaces the
// connect deadline; cancelling ctx does not interrupt the handshake.
func (s *Stream) bootstrapChild(ctx context.Context, fd int, preamble []byte) error {
	deadline := s.deadline
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	stopAnswer := s.startPasswordAnswerer(deadline)
	defer stopAnswer()

	if err := discardUntil(fd, ec0, deadline); err != nil {
		return err
	}
	slog.Debug("EC0 received, writing preamble", "stream", s.Name(), "bytes", len(preamble))
	if err := writeAll(fd, preamble, deadline); err != nil {
		return err
	}
	ec1Deadline := time.Now().Add(ec1Timeout)
	if deadline.Before(ec1Deadline) {
		ec1Deadline = deadline
	}
	return discardUntil(fd, ec1, ec1Deadline)
}

// startPasswordAnswerer watches the auxiliary TTY during the handshake and
// answers the first prompt-looking line with the configured password. It
// returns a stop function; without an aux TTY or password it is a no-op.
func (s *Stream) startPasswordAnswerer(deadline time.Time) func() {
	if s.auxFD < 0 || s.opts.Password == "" {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		buf := make([]byte, readChunk)
		for {
			select {
			case <-stop:
				return
			default:
			}
			ready, err := selectRead(s.auxFD, time.Now().Add(250*time.Millisecond))
			if err != nil || !time.Now().Before(deadline) {
				return
			}
			if !ready {
				continue
			}
			n, err := unix.Read(s.auxFD, buf)
			if err != nil || n == 0 {
				return
			}
			if looksLikePrompt(buf[:n]) {
				slog.Debug("answering password prompt", "stream", s.Name())
				writeAll(s.auxFD, []byte(s.opts.Password+"\n"), deadline)
				return
			}
		}
	}()
	return func() { close(stop) }
}

// ReapChild collects the child's exit status during disconnection. Effects
// apply at most once no matter how many disconnect callbacks fire. A child
// that has not exited gets SIGTERM, best effort: EPERM is tolerated because
// setuid helpers like sudo cannot be signalled, and ECHILD means someone
// else already reaped it.
func (s *Stream) ReapChild() {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()
	if s.reaped || s.pid == 0 {
		return
	}

	var status unix.WaitStatus
	pid, err := unix.Wait4(s.pid, &status, unix.WNOHANG, nil)
	if err != nil {
		if err == unix.ECHILD {
			slog.Warn("waitpid produced ECHILD", "stream", s.Name(), "pid", s.pid)
			return
		}
		slog.Error("waitpid failed", "stream", s.Name(), "pid", s.pid, "error", err)
		return
	}

	s.reaped = true
	spawn.Monitor().Remove(s.pid)
	if pid == s.pid {
		slog.Debug("child exit status collected", "stream", s.Name(), "pid", s.pid, "status", status)
		return
	}

	if !spawn.ValidateChild(s.pid, s.startedAt) {
		slog.Debug("pid no longer ours, not signalling", "stream", s.Name(), "pid", s.pid)
		return
	}
	slog.Debug("child still alive, sending SIGTERM", "stream", s.Name(), "pid", s.pid)
	if err := unix.Kill(s.pid, unix.SIGTERM); err != nil && err != unix.EPERM {
		slog.Error("kill failed", "stream", s.Name(), "pid", s.pid, "error", err)
	}
}

func looksLikePrompt(chunk []byte) bool {
	trimmed := trimRightSpace(chunk)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[len(trimmed)-1] == ':'
}

func trimRightSpace(b []byte) []byte {
	end := len(b)
	for end > 0 {
		switch b[end-1] {
		case ' ', '\t', '\r', '\n':
			end--
		default:
			return b[:end]
		}
	}
	return b[:0]
}
