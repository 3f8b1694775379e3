package parent

import (
	"fmt"
	"sync"

	"go.olrik.dev/lattice/internal/spawn"
)

// Transport describes how a connection method turns a boot command into a
// running child: a name prefix for stream naming, a spawner mode, and an
// optional argv wrapper (ssh, sudo, docker prepend their own vectors).
type Transport struct {
	// Name prefixes stream names: "<name>.<pid>".
	Name string

	// Spawner creates the child process; nil means the socketpair spawner.
	Spawner spawn.Func

	// WrapCommand transforms the interpreter boot argv into the argv the
	// transport actually executes. Nil means identity.
	WrapCommand func(boot []string, opts Options) ([]string, error)
}

func (t *Transport) spawner() spawn.Func {
	if t.Spawner == nil {
		return spawn.CreateChild
	}
	return t.Spawner
}

func (t *Transport) command(boot []string, opts Options) ([]string, error) {
	if t.WrapCommand == nil {
		return boot, nil
	}
	return t.WrapCommand(boot, opts)
}

var (
	transportMu sync.Mutex
	transports  = map[string]*Transport{}
)

// RegisterTransport installs a connection method under name. Transports
// register themselves from init functions.
func RegisterTransport(name string, t *Transport) {
	transportMu.Lock()
	defer transportMu.Unlock()
	transports[name] = t
}

// TransportByName resolves a connection method name. "local" is the base
// parent transport.
func TransportByName(name string) (*Transport, error) {
	if name == "local" {
		return &Transport{Name: "local"}, nil
	}
	transportMu.Lock()
	defer transportMu.Unlock()
	t, ok := transports[name]
	if !ok {
		return nil, fmt.Errorf("unknown connection method %q", name)
	}
	return t, nil
}
