package fabric

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Identity is the runtime identity of this process within the overlay: its
// own context ID plus the chain of parent IDs toward the master, nearest
// first. The master has ID 0 and no parents.
type Identity struct {
	ContextID uint32
	ParentIDs []uint32
}

// IsMaster reports whether this process is the overlay root.
func (id Identity) IsMaster() bool { return id.ContextID == 0 }

// HandlerFunc receives a message and the stream it arrived on. via is nil for
// locally originated messages.
type HandlerFunc func(m *Message, via *Stream)

// Policy gates delivery of a message to a handler. A rejected message is
// dropped without state change.
type Policy func(m *Message, via *Stream) bool

// IsImmediateChild accepts only messages whose authenticated source is the
// remote ID of the stream they arrived on.
func IsImmediateChild(m *Message, via *Stream) bool {
	return via != nil && m.AuthID == via.RemoteID()
}

type handlerEntry struct {
	fn      HandlerFunc
	persist bool
	policy  Policy
}

// Router owns the overlay tables: context_id → Context (lazy) and
// context_id → Stream (routes). Lookups for unknown IDs fall back to the
// upstream route so traffic always moves toward the root.
type Router struct {
	identity       Identity
	maxMessageSize int

	mu           sync.Mutex
	parentStream *Stream
	streamByID   map[uint32]*Stream
	contextByID  map[uint32]*Context
	handlers     map[Handle]*handlerEntry

	nextReply uint32
}

func NewRouter(identity Identity, maxMessageSize int) *Router {
	return &Router{
		identity:       identity,
		maxMessageSize: maxMessageSize,
		streamByID:     make(map[uint32]*Stream),
		contextByID:    make(map[uint32]*Context),
		handlers:       make(map[Handle]*handlerEntry),
		nextReply:      uint32(firstReplyHandle),
	}
}

func (r *Router) Identity() Identity    { return r.identity }
func (r *Router) MaxMessageSize() int   { return r.maxMessageSize }
func (r *Router) ParentStream() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parentStream
}

// SetParentStream installs the upstream route and starts reading from it.
// Messages arriving on the upstream carry trusted auth IDs.
func (r *Router) SetParentStream(s *Stream) {
	s.SetTrustAuth(true)
	r.mu.Lock()
	r.parentStream = s
	r.streamByID[s.RemoteID()] = s
	r.mu.Unlock()
	go s.readLoop()
}

// Register binds a freshly connected context and stream and starts the
// stream's read loop.
func (r *Router) Register(c *Context, s *Stream) {
	r.mu.Lock()
	r.streamByID[s.RemoteID()] = s
	r.contextByID[c.ID] = c
	r.mu.Unlock()
	go s.readLoop()
}

// StreamByID returns the stream carrying traffic toward id, falling back to
// the upstream route for unknown IDs. Returns nil only at the master when no
// explicit route exists.
func (r *Router) StreamByID(id uint32) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streamByID[id]; ok {
		return s
	}
	return r.parentStream
}

// ExplicitStreamByID returns the stream explicitly routed for id, without the
// upstream fallback.
func (r *Router) ExplicitStreamByID(id uint32) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamByID[id]
}

func (r *Router) AddRoute(id uint32, s *Stream) {
	slog.Debug("adding route", "target", id, "stream", s.Name())
	r.mu.Lock()
	r.streamByID[id] = s
	r.mu.Unlock()
}

func (r *Router) DelRoute(id uint32) {
	slog.Debug("deleting route", "target", id)
	r.mu.Lock()
	if _, ok := r.streamByID[id]; !ok {
		r.mu.Unlock()
		slog.Error("cannot delete route: no such stream", "target", id)
		return
	}
	delete(r.streamByID, id)
	r.mu.Unlock()
}

// ContextByID returns the context for id, lazily creating it when create is
// set. Creation is idempotent: the same ID always yields the same pointer.
func (r *Router) ContextByID(id uint32, create bool) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.contextByID[id]
	if c == nil && create {
		c = &Context{router: r, ID: id}
		r.contextByID[id] = c
	}
	return c
}

// RegisterContext installs a context constructed elsewhere (proxy connects).
func (r *Router) RegisterContext(c *Context) {
	r.mu.Lock()
	r.contextByID[c.ID] = c
	r.mu.Unlock()
}

// NewContext builds an unregistered context bound to this router.
func (r *Router) NewContext(id uint32) *Context {
	return &Context{router: r, ID: id}
}

// AddHandler binds fn to handle. Non-persistent handlers are removed after
// their first delivery. A nil policy accepts everything.
func (r *Router) AddHandler(handle Handle, fn HandlerFunc, persist bool, policy Policy) {
	r.mu.Lock()
	r.handlers[handle] = &handlerEntry{fn: fn, persist: persist, policy: policy}
	r.mu.Unlock()
}

func (r *Router) RemoveHandler(handle Handle) {
	r.mu.Lock()
	delete(r.handlers, handle)
	r.mu.Unlock()
}

// AllocReplyHandle hands out a fresh handle for a request/response exchange.
func (r *Router) AllocReplyHandle() Handle {
	return Handle(atomic.AddUint32(&r.nextReply, 1))
}

// Route delivers m locally when addressed to this context, otherwise forwards
// it toward the destination. via is the arrival stream, nil for local sends.
func (r *Router) Route(m *Message, via *Stream) {
	if m.DstID == r.identity.ContextID {
		r.dispatch(m, via)
		return
	}

	s := r.StreamByID(m.DstID)
	if s == nil {
		slog.Error("no route to context", "dst", m.DstID, "handle", m.Handle.String())
		r.replyDead(m, via)
		return
	}
	if err := s.Send(m); err != nil {
		slog.Error("forwarding failed", "dst", m.DstID, "stream", s.Name(), "error", err)
		r.replyDead(m, via)
	}
}

// replyDead wakes a locally originated waiter whose message cannot be
// delivered, so SendAwait callers never hang on a dead route.
func (r *Router) replyDead(m *Message, via *Stream) {
	if via != nil || m.ReplyTo == 0 {
		return
	}
	r.dispatch(&Message{
		DstID:   r.identity.ContextID,
		SrcID:   m.DstID,
		AuthID:  m.DstID,
		Handle:  m.ReplyTo,
		Dead:    true,
	}, nil)
}

func (r *Router) dispatch(m *Message, via *Stream) {
	r.mu.Lock()
	entry := r.handlers[m.Handle]
	if entry != nil && !entry.persist {
		delete(r.handlers, m.Handle)
	}
	r.mu.Unlock()

	if entry == nil {
		slog.Debug("no handler for message", "handle", m.Handle.String(), "src", m.SrcID)
		return
	}
	if entry.policy != nil && !entry.policy(m, via) {
		slog.Error("message rejected by handler policy",
			"handle", m.Handle.String(), "src", m.SrcID, "auth", m.AuthID)
		return
	}
	m.router = r
	entry.fn(m, via)
}

// Close tears down every registered stream.
func (r *Router) Close() {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streamByID))
	seen := make(map[*Stream]bool)
	for _, s := range r.streamByID {
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}
	r.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}
