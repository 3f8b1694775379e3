package parent

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"go.olrik.dev/lattice/internal/fabric"
)

// DefaultConnectTimeout bounds the whole handshake, spawn to EC1.
const DefaultConnectTimeout = 30 * time.Second

// ec1Timeout bounds the gap between sending the preamble and the child's
// EC1 acknowledgement.
const ec1Timeout = 10 * time.Second

// defaultPythonPath names the remote interpreter when the caller does not.
const defaultPythonPath = "python2.7"

// Options carries per-connection configuration. The zero value is usable
// once MaxMessageSize is set; everything else has a default.
type Options struct {
	// MaxMessageSize caps frames in both directions. Required.
	MaxMessageSize int

	// Name overrides the stream and context name assigned after connect.
	Name string

	// Via, when set, asks an already connected context to perform the
	// connect on our behalf and routes the new child through it.
	Via *fabric.Context

	// RemoteName is the human-readable context name embedded in the child's
	// argv. Defaults to user@host:pid; must not contain path separators.
	RemoteName string

	// PythonPath locates the remote interpreter.
	PythonPath string

	// ConnectTimeout bounds the whole connection attempt.
	ConnectTimeout time.Duration

	Debug     bool
	Profiling bool

	// LogLevel is forwarded to the child runtime.
	LogLevel string

	// Whitelist and Blacklist scope the module import service.
	Whitelist []string
	Blacklist []string

	// Password is written to the auxiliary TTY when the transport prompts
	// there during the handshake. Only hybrid-spawned children (ssh) have an
	// auxiliary TTY; prompts on a single-TTY child (sudo) are not answered.
	Password string

	// Runtime overrides the child runtime source delivered in the preamble.
	Runtime string

	// Extra carries transport-specific settings: hostname and user for ssh,
	// container for docker, target user for sudo.
	Extra map[string]string
}

func (o *Options) normalize() error {
	if o.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size is required")
	}
	if o.PythonPath == "" {
		o.PythonPath = defaultPythonPath
	}
	// The stock /usr/bin/python on Darwin is an argv0-introspecting version
	// switcher that breaks under a decorated argv[0]; call the real
	// interpreter instead.
	if runtime.GOOS == "darwin" && o.PythonPath == "/usr/bin/python" {
		o.PythonPath = "/usr/bin/python2.7"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RemoteName == "" {
		o.RemoteName = defaultRemoteName()
	}
	if strings.ContainsAny(o.RemoteName, `/\`) {
		return fmt.Errorf("remote name %q cannot contain slashes", o.RemoteName)
	}
	return nil
}

func defaultRemoteName() string {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s:%d", username, host, os.Getpid())
}
