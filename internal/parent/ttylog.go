package parent

import (
	"log/slog"
	"os"
)

// TTYLogStream adopts the spare TTY descriptor left over after a hybrid
// handshake. The descriptor cannot simply be closed: the TTY layer would
// deliver SIGHUP to every process whose controlling terminal it is. Instead
// anything ssh or sudo keeps writing to it becomes log output.
type TTYLogStream struct {
	file   *os.File
	stream *Stream
}

// NewTTYLogStream takes ownership of ttyFD and starts draining it.
func NewTTYLogStream(ttyFD int, stream *Stream) *TTYLogStream {
	t := &TTYLogStream{
		file:   os.NewFile(uintptr(ttyFD), stream.Name()+"-tty"),
		stream: stream,
	}
	go t.drain()
	return t
}

func (t *TTYLogStream) drain() {
	buf := make([]byte, 4096)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			slog.Debug("tty output", "stream", t.stream.Name(), "data", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Close releases the descriptor. Safe once the child is gone.
func (t *TTYLogStream) Close() {
	t.file.Close()
}
