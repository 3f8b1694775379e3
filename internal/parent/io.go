package parent

import (
	"bytes"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// readChunk is the granularity of discard reads during the handshake.
const readChunk = 4096

// errorTail is how much trailing input a stream-closed error carries for
// diagnostics.
const errorTail = 300

func selectRead(fd int, deadline time.Time) (ready bool, err error) {
	return doSelect(fd, deadline, false)
}

func selectWrite(fd int, deadline time.Time) (ready bool, err error) {
	return doSelect(fd, deadline, true)
}

func doSelect(fd int, deadline time.Time, write bool) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	tv := unix.NsecToTimeval(remaining.Nanoseconds())
	var set unix.FdSet
	set.Zero()
	set.Set(fd)
	var n int
	var err error
	if write {
		n, err = unix.Select(fd+1, nil, &set, nil, &tv)
	} else {
		n, err = unix.Select(fd+1, &set, nil, nil, &tv)
	}
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// writeAll drains buf to fd with select-guarded partial writes, failing with
// a timeout once the deadline expires.
func writeAll(fd int, buf []byte, deadline time.Time) error {
	// A blocking write larger than the free buffer space would sleep in the
	// kernel past the deadline, so write nonblocking and restore the flag.
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return streamErrorf("fcntl: %s", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		if err := unix.SetNonblock(fd, true); err != nil {
			return streamErrorf("set nonblocking: %s", err)
		}
		defer unix.SetNonblock(fd, false)
	}
	written := 0
	for written < len(buf) {
		if !time.Now().Before(deadline) {
			return timeoutErrorf("write timed out")
		}
		ready, err := selectWrite(fd, deadline)
		if err != nil {
			return streamErrorf("select for write: %s", err)
		}
		if !ready {
			continue
		}
		n, err := unix.Write(fd, buf[written:])
		switch err {
		case nil:
		case unix.EINTR, unix.EAGAIN:
			continue
		case unix.EPIPE, unix.ECONNRESET, unix.EIO:
			return streamErrorf("EOF on stream during write")
		default:
			return streamErrorf("write: %s", err)
		}
		written += n
	}
	return nil
}

// discardUntil reads and discards input until a chunk ends with sentinel.
// It fails with a timeout at the deadline and with a stream-closed error —
// carrying the last 300 bytes received — if the peer closes first.
func discardUntil(fd int, sentinel []byte, deadline time.Time) error {
	var tail []byte
	buf := make([]byte, readChunk)
	for {
		if !time.Now().Before(deadline) {
			return timeoutErrorf("read timed out")
		}
		ready, err := selectRead(fd, deadline)
		if err != nil {
			return streamErrorf("select for read: %s", err)
		}
		if !ready {
			continue
		}
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err == unix.EIO || err == unix.ECONNRESET || err == nil && n == 0:
			return streamErrorf("EOF on stream; last %d bytes received: %q",
				errorTail, lastBytes(tail, errorTail))
		case err != nil:
			return streamErrorf("read: %s", err)
		}

		chunk := buf[:n]
		slog.Debug("discarding handshake bytes", "fd", fd, "data", string(chunk))
		tail = lastBytes(append(tail, chunk...), errorTail)
		if bytes.HasSuffix(chunk, sentinel) {
			return nil
		}
	}
}

func lastBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
