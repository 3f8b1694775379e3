package parent

import (
	"context"
	"sync"

	"go.olrik.dev/lattice/internal/fabric"
	"go.olrik.dev/lattice/internal/module"
)

// Router extends the base router with the parent-only services: the ID
// allocator, the route monitor, the module forwarder and the proxy-connect
// responder.
type Router struct {
	*fabric.Router

	// Debug and Profiling are inherited by every connect that does not set
	// its own flags.
	Debug     bool
	Profiling bool

	idAlloc     *ChildIDAllocator
	masterAlloc *masterIDAllocator
	monitor     *RouteMonitor
	responder   *ModuleForwarder

	mu      sync.Mutex
	streams map[*fabric.Stream]*Stream
}

// NewRouter wraps a base router for identity. Call Upgrade before the first
// Connect.
func NewRouter(identity fabric.Identity, maxMessageSize int) *Router {
	return &Router{
		Router:  fabric.NewRouter(identity, maxMessageSize),
		streams: make(map[*fabric.Stream]*Stream),
	}
}

// Upgrade wires the parent services. parent is the upstream context, nil at
// the master; cache backs the module forwarder.
func (r *Router) Upgrade(cache *module.Cache, parent *fabric.Context) {
	r.idAlloc = NewChildIDAllocator(r.Router)
	if r.Identity().IsMaster() {
		r.masterAlloc = newMasterIDAllocator(r.Router)
	}
	r.responder = NewModuleForwarder(r, parent, cache)
	r.monitor = NewRouteMonitor(r, parent)
	r.registerProxyConnectService()
}

// RouteMonitor returns the monitor installed by Upgrade.
func (r *Router) RouteMonitor() *RouteMonitor { return r.monitor }

// AllocateID returns a fresh context ID: locally at the master, via an
// ALLOCATE_ID round trip everywhere else.
func (r *Router) AllocateID(ctx context.Context) (uint32, error) {
	if r.masterAlloc != nil {
		return r.masterAlloc.allocateOne(), nil
	}
	return r.idAlloc.Allocate(ctx)
}

// Connect spawns a child over the named connection method and splices it
// into the topology. With opts.Via set, the connect is delegated to the
// intermediary context instead.
func (r *Router) Connect(ctx context.Context, method string, opts Options) (*fabric.Context, error) {
	t, err := TransportByName(method)
	if err != nil {
		return nil, err
	}
	if !opts.Debug {
		opts.Debug = r.Debug
	}
	if !opts.Profiling {
		opts.Profiling = r.Profiling
	}
	if opts.Via != nil {
		return r.ProxyConnect(ctx, opts.Via, method, opts)
	}
	return r.connect(ctx, t, opts)
}

func (r *Router) connect(ctx context.Context, t *Transport, opts Options) (*fabric.Context, error) {
	id, err := r.AllocateID(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := NewStream(r, id, t, opts)
	if err != nil {
		return nil, err
	}
	if err := stream.Connect(ctx); err != nil {
		return nil, err
	}
	if opts.Name != "" {
		stream.SetName(opts.Name)
	}

	c := r.ContextByID(id, true)
	c.SetName(stream.Name())
	r.trackStream(stream)

	// Announce before the read loop starts: the peer's own traffic must not
	// overtake its ADD_ROUTE.
	r.monitor.NoticeStream(stream)
	r.Register(c, stream.Stream)
	return c, nil
}

// Convenience wrappers for the common connection methods.

func (r *Router) Local(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "local", opts)
}

func (r *Router) SSH(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "ssh", opts)
}

func (r *Router) Sudo(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "sudo", opts)
}

func (r *Router) Docker(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "docker", opts)
}

func (r *Router) Fork(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "fork", opts)
}

func (r *Router) Jail(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "jail", opts)
}

func (r *Router) LXC(ctx context.Context, opts Options) (*fabric.Context, error) {
	return r.Connect(ctx, "lxc", opts)
}

func (r *Router) trackStream(s *Stream) {
	r.mu.Lock()
	r.streams[s.Stream] = s
	r.mu.Unlock()
}

// StreamFor maps a base stream back to its parent wrapper, nil when the
// stream was not created by this router's Connect.
func (r *Router) StreamFor(s *fabric.Stream) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[s]
}
