package parent

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.olrik.dev/lattice/internal/fabric"
)

// FormatAddRoute renders an ADD_ROUTE payload: "<id>" or "<id>:<name>".
func FormatAddRoute(targetID uint32, name string) []byte {
	if name == "" {
		return []byte(strconv.FormatUint(uint64(targetID), 10))
	}
	return []byte(fmt.Sprintf("%d:%s", targetID, name))
}

// FormatDelRoute renders a DEL_ROUTE payload: "<id>".
func FormatDelRoute(targetID uint32) []byte {
	return []byte(strconv.FormatUint(uint64(targetID), 10))
}

// ParseRoutePayload splits "<id>" or "<id>:<name>". Names may themselves
// contain colons; only the first separates.
func ParseRoutePayload(data []byte) (targetID uint32, name string, err error) {
	s := string(data)
	idPart, namePart, _ := strings.Cut(s, ":")
	id, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("bad route payload %q: %w", s, err)
	}
	return uint32(id), namePart, nil
}

// RouteMonitor maintains the routing tree. It accepts ADD_ROUTE / DEL_ROUTE
// from immediate children, updates the local tables, and forwards every
// route event upstream so long-lived changes eventually reach the root.
type RouteMonitor struct {
	router *Router

	// parent is the upstream context; nil at the master.
	parent *fabric.Context
}

func NewRouteMonitor(router *Router, parent *fabric.Context) *RouteMonitor {
	rm := &RouteMonitor{router: router, parent: parent}
	router.AddHandler(fabric.HandleAddRoute, rm.onAddRoute, true, fabric.IsImmediateChild)
	router.AddHandler(fabric.HandleDelRoute, rm.onDelRoute, true, fabric.IsImmediateChild)
	return rm
}

// propagate forwards a route event upstream verbatim. The master has no
// parent and propagates nothing.
func (rm *RouteMonitor) propagate(handle fabric.Handle, targetID uint32, name string) {
	if rm.parent == nil {
		return
	}
	var data []byte
	if handle == fabric.HandleAddRoute {
		data = FormatAddRoute(targetID, name)
	} else {
		data = FormatDelRoute(targetID)
	}
	rm.parent.Send(&fabric.Message{Handle: handle, Data: data})
}

// NoticeStream announces a new directly connected child upstream and takes
// responsibility for retracting everything reachable through it when it
// disconnects.
func (rm *RouteMonitor) NoticeStream(s *Stream) {
	rm.propagate(fabric.HandleAddRoute, s.RemoteID(), s.Name())
	s.OnDisconnect(func() { rm.onStreamDisconnect(s) })
}

// onStreamDisconnect retracts every route reached through a lost stream:
// one DEL_ROUTE upstream per target, removal from the router map, and a
// disconnect event on each affected context so waiters wake.
func (rm *RouteMonitor) onStreamDisconnect(s *Stream) {
	routes := s.Routes()
	slog.Debug("stream is gone, propagating DEL_ROUTE", "stream", s.Name(), "routes", routes)
	for _, targetID := range routes {
		rm.router.DelRoute(targetID)
		rm.propagate(fabric.HandleDelRoute, targetID, "")
		if c := rm.router.ContextByID(targetID, false); c != nil {
			c.FireDisconnect()
		}
	}
}

func (rm *RouteMonitor) onAddRoute(msg *fabric.Message, via *fabric.Stream) {
	if msg.Dead {
		return
	}
	targetID, targetName, err := ParseRoutePayload(msg.Data)
	if err != nil {
		slog.Error("malformed ADD_ROUTE", "error", err)
		return
	}

	arrival := rm.router.StreamByID(msg.AuthID)
	if arrival == nil {
		slog.Error("ADD_ROUTE from unknown stream", "auth", msg.AuthID)
		return
	}

	// A conflict is a pre-existing *explicit* route through some other
	// child. The upstream fallback route is not a conflict: every unknown
	// ID already resolves there.
	current := rm.router.ExplicitStreamByID(targetID)
	if current != nil && current != rm.router.ParentStream() {
		slog.Error("cannot add duplicate route",
			"target", targetID, "via", arrival.Name(), "existing", current.Name())
		return
	}

	slog.Debug("adding route", "target", targetID, "via", arrival.Name())
	arrival.AddRouteID(targetID)
	rm.router.AddRoute(targetID, arrival)
	rm.router.ContextByID(targetID, true).SetName(targetName)
	rm.propagate(fabric.HandleAddRoute, targetID, targetName)
}

func (rm *RouteMonitor) onDelRoute(msg *fabric.Message, via *fabric.Stream) {
	if msg.Dead {
		return
	}
	targetID, _, err := ParseRoutePayload(msg.Data)
	if err != nil {
		slog.Error("malformed DEL_ROUTE", "error", err)
		return
	}

	// Only the stream that owns the route may retract it; anything else is
	// stale or spoofed and must not topple the overlay.
	registered := rm.router.StreamByID(targetID)
	arrival := rm.router.StreamByID(msg.AuthID)
	if registered != arrival {
		slog.Error("DEL_ROUTE from non-owning stream",
			"target", targetID, "from", streamName(arrival), "expected", streamName(registered))
		return
	}

	slog.Debug("deleting route", "target", targetID, "via", streamName(arrival))
	if arrival != nil {
		arrival.DiscardRouteID(targetID)
	}
	rm.router.DelRoute(targetID)
	rm.propagate(fabric.HandleDelRoute, targetID, "")
	if c := rm.router.ContextByID(targetID, false); c != nil {
		c.FireDisconnect()
	}
}

func streamName(s *fabric.Stream) string {
	if s == nil {
		return "<none>"
	}
	return s.Name()
}
