package fabric

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrStreamClosed is returned when sending on a stream that is gone.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrDeadMessage is returned by request/response waits when the peer
	// vanished before producing a reply.
	ErrDeadMessage = errors.New("peer vanished before replying")

	// ErrDisconnected is returned by request/response waits when the target
	// context's route was deleted mid-wait.
	ErrDisconnected = errors.New("context disconnected")
)

// Context is a named, addressable peer in the overlay. Contexts are created
// on demand by ID and deduplicated per router, so two contexts are the same
// peer exactly when they are the same pointer.
type Context struct {
	router *Router
	ID     uint32

	// Via is the intermediary context for indirect children, nil for direct
	// ones.
	Via *Context

	mu   sync.Mutex
	name string

	disconnect Event
}

func (c *Context) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Context) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// OnDisconnect registers fn to run when the context's route is deleted.
func (c *Context) OnDisconnect(fn func()) { c.disconnect.Listen(fn) }

// FireDisconnect wakes every disconnect listener. Invoked by the route
// monitor when the route toward this context goes away.
func (c *Context) FireDisconnect() { c.disconnect.Fire() }

// Send routes m toward this context, filling in source identity.
func (c *Context) Send(m *Message) {
	m.DstID = c.ID
	m.SrcID = c.router.Identity().ContextID
	m.AuthID = c.router.Identity().ContextID
	c.router.Route(m, nil)
}

// SendAwait routes m toward this context and blocks for the reply. The wait
// ends early if ctx expires or the target disconnects.
func (c *Context) SendAwait(ctx context.Context, m *Message) (*Message, error) {
	reply := make(chan *Message, 1)
	h := c.router.AllocReplyHandle()
	c.router.AddHandler(h, func(msg *Message, _ *Stream) {
		select {
		case reply <- msg:
		default:
		}
	}, false, nil)
	defer c.router.RemoveHandler(h)

	gone := make(chan struct{})
	var once sync.Once
	c.OnDisconnect(func() { once.Do(func() { close(gone) }) })

	m.ReplyTo = h
	c.Send(m)

	select {
	case msg := <-reply:
		if msg.Dead {
			return nil, ErrDeadMessage
		}
		return msg, nil
	case <-gone:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown asks the peer to gracefully shut itself down. With wait, it blocks
// until the context's route is deleted or ctx expires.
func (c *Context) Shutdown(ctx context.Context, wait bool) error {
	slog.Debug("sending shutdown", "context", c.ID, "name", c.Name())

	done := make(chan struct{})
	var once sync.Once
	c.OnDisconnect(func() { once.Do(func() { close(done) }) })

	c.Send(&Message{Handle: HandleShutdown})

	if !wait {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
