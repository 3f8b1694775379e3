package parent

import (
	"testing"

	"go.olrik.dev/lattice/internal/fabric"
)

func TestRoutePayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		targetID uint32
		peerName string
	}{
		{"id only", 7, ""},
		{"id and name", 9, "local.1234"},
		{"name with dots", 42, "A.ssh.99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, name, err := ParseRoutePayload(FormatAddRoute(tt.targetID, tt.peerName))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if id != tt.targetID || name != tt.peerName {
				t.Errorf("round trip = (%d, %q), want (%d, %q)", id, name, tt.targetID, tt.peerName)
			}
		})
	}

	if _, _, err := ParseRoutePayload([]byte("notanumber")); err == nil {
		t.Error("expected parse failure for garbage payload")
	}

	id, _, err := ParseRoutePayload(FormatDelRoute(31))
	if err != nil || id != 31 {
		t.Errorf("DEL_ROUTE payload round trip = (%d, %v)", id, err)
	}
}

func TestAddRouteInstallsGrandchild(t *testing.T) {
	master, _ := newTestMaster(t)
	a, inject := newChildStream(t, master, 100, "a")

	injectFrame(t, inject, &fabric.Message{
		DstID:  0,
		SrcID:  100,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(101, "b"),
	})

	waitFor(t, "route 101 installed", func() bool {
		return master.ExplicitStreamByID(101) == a.Stream
	})
	if !a.HasRouteID(101) {
		t.Error("stream route set missing grandchild")
	}
	if got := master.ContextByID(101, false).Name(); got != "b" {
		t.Errorf("context name = %q, want %q", got, "b")
	}

	// Route consistency: every ID in the stream's route set maps back to
	// the same stream in the router.
	for _, id := range a.Routes() {
		if master.ExplicitStreamByID(id) != a.Stream {
			t.Errorf("router map for %d does not return the owning stream", id)
		}
	}
}

func TestDuplicateAddRouteIgnored(t *testing.T) {
	master, _ := newTestMaster(t)
	a, injectA := newChildStream(t, master, 100, "a")
	c, injectC := newChildStream(t, master, 200, "c")

	injectFrame(t, injectA, &fabric.Message{
		DstID: 0, SrcID: 100,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(101, "b"),
	})
	waitFor(t, "route 101 via a", func() bool {
		return master.ExplicitStreamByID(101) == a.Stream
	})

	injectFrame(t, injectC, &fabric.Message{
		DstID: 0, SrcID: 200,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(101, "x"),
	})
	// The conflicting add must leave the table untouched. Push a second
	// legitimate route through c as a barrier so we know the first was
	// processed.
	injectFrame(t, injectC, &fabric.Message{
		DstID: 0, SrcID: 200,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(202, "d"),
	})
	waitFor(t, "barrier route 202", func() bool {
		return master.ExplicitStreamByID(202) == c.Stream
	})

	if master.ExplicitStreamByID(101) != a.Stream {
		t.Error("duplicate ADD_ROUTE replaced the existing route")
	}
	if c.HasRouteID(101) {
		t.Error("conflicting stream recorded the duplicate route")
	}
	if got := master.ContextByID(101, false).Name(); got != "b" {
		t.Errorf("context renamed by rejected ADD_ROUTE: %q", got)
	}
}

func TestDelRouteFromNonOwnerIgnored(t *testing.T) {
	master, _ := newTestMaster(t)
	a, injectA := newChildStream(t, master, 100, "a")
	c, injectC := newChildStream(t, master, 200, "c")

	injectFrame(t, injectA, &fabric.Message{
		DstID: 0, SrcID: 100,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(101, "b"),
	})
	waitFor(t, "route 101 via a", func() bool {
		return master.ExplicitStreamByID(101) == a.Stream
	})

	injectFrame(t, injectC, &fabric.Message{
		DstID: 0, SrcID: 200,
		Handle: fabric.HandleDelRoute,
		Data:   FormatDelRoute(101),
	})
	injectFrame(t, injectC, &fabric.Message{
		DstID: 0, SrcID: 200,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(202, "d"),
	})
	waitFor(t, "barrier route 202", func() bool {
		return master.ExplicitStreamByID(202) == c.Stream
	})

	if master.ExplicitStreamByID(101) != a.Stream {
		t.Error("DEL_ROUTE from a non-owning stream removed the route")
	}
	if !a.HasRouteID(101) {
		t.Error("owning stream's route set was modified")
	}
}

func TestDelRouteFromOwner(t *testing.T) {
	master, _ := newTestMaster(t)
	a, injectA := newChildStream(t, master, 100, "a")

	injectFrame(t, injectA, &fabric.Message{
		DstID: 0, SrcID: 100,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(101, "b"),
	})
	waitFor(t, "route 101 via a", func() bool {
		return master.ExplicitStreamByID(101) == a.Stream
	})

	disconnected := false
	master.ContextByID(101, false).OnDisconnect(func() { disconnected = true })

	injectFrame(t, injectA, &fabric.Message{
		DstID: 0, SrcID: 100,
		Handle: fabric.HandleDelRoute,
		Data:   FormatDelRoute(101),
	})
	waitFor(t, "route 101 deleted", func() bool {
		return master.ExplicitStreamByID(101) == nil
	})
	if a.HasRouteID(101) {
		t.Error("route set still contains the deleted target")
	}
	if !disconnected {
		t.Error("disconnect event not fired on the affected context")
	}
}

func TestStreamDisconnectRetractsRoutes(t *testing.T) {
	// master → a → b; killing a must delete routes to both and fire
	// disconnect on both contexts.
	master, _ := newTestMaster(t)
	a, injectA := newChildStream(t, master, 100, "a")

	injectFrame(t, injectA, &fabric.Message{
		DstID: 0, SrcID: 100,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(101, "b"),
	})
	waitFor(t, "route 101 via a", func() bool {
		return master.ExplicitStreamByID(101) == a.Stream
	})

	aGone, bGone := false, false
	master.ContextByID(100, false).OnDisconnect(func() { aGone = true })
	master.ContextByID(101, false).OnDisconnect(func() { bGone = true })

	injectA.Close()

	waitFor(t, "all routes retracted", func() bool {
		return master.ExplicitStreamByID(100) == nil &&
			master.ExplicitStreamByID(101) == nil
	})
	waitFor(t, "disconnect events", func() bool { return aGone && bGone })
}

func TestSpoofedRouteMessageDropped(t *testing.T) {
	master, _ := newTestMaster(t)
	a, _ := newChildStream(t, master, 100, "a")

	// Deliver directly with a mismatched auth ID; the immediate-child
	// policy must drop it without state change.
	master.Route(&fabric.Message{
		DstID: 0, SrcID: 999, AuthID: 999,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(555, "evil"),
	}, a.Stream)

	if master.ExplicitStreamByID(555) != nil {
		t.Error("spoofed ADD_ROUTE installed a route")
	}
	if a.HasRouteID(555) {
		t.Error("spoofed ADD_ROUTE modified the stream route set")
	}
}

func TestUpstreamFanOut(t *testing.T) {
	// Property: every accepted route event at a non-master node is
	// propagated upstream exactly once with an identical payload.
	node, upstream := newNode(t, 1)
	_, inject := newChildStream(t, node, 5, "child5")

	// NoticeStream already announced the direct child.
	m := readFrame(t, upstream)
	if m.Handle != fabric.HandleAddRoute || string(m.Data) != "5:child5" {
		t.Fatalf("announce frame = %s %q", m.Handle, m.Data)
	}

	injectFrame(t, inject, &fabric.Message{
		DstID: 1, SrcID: 5,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(6, "grand"),
	})
	m = readFrame(t, upstream)
	if m.Handle != fabric.HandleAddRoute || string(m.Data) != "6:grand" {
		t.Errorf("ADD_ROUTE fan-out = %s %q, want ADD_ROUTE \"6:grand\"", m.Handle, m.Data)
	}

	injectFrame(t, inject, &fabric.Message{
		DstID: 1, SrcID: 5,
		Handle: fabric.HandleDelRoute,
		Data:   FormatDelRoute(6),
	})
	m = readFrame(t, upstream)
	if m.Handle != fabric.HandleDelRoute || string(m.Data) != "6" {
		t.Errorf("DEL_ROUTE fan-out = %s %q, want DEL_ROUTE \"6\"", m.Handle, m.Data)
	}
}

func TestConflictWithUpstreamFallbackIsNoConflict(t *testing.T) {
	// A target whose only "route" is the upstream fallback must accept an
	// explicit route without complaint.
	node, upstream := newNode(t, 1)
	_, inject := newChildStream(t, node, 5, "child5")
	readFrame(t, upstream) // consume the announce

	// Unknown IDs resolve to the upstream stream, but that is not an
	// explicit route and must not count as a conflict.
	if node.StreamByID(6) == nil {
		t.Fatal("expected upstream fallback for unknown ID")
	}
	injectFrame(t, inject, &fabric.Message{
		DstID: 1, SrcID: 5,
		Handle: fabric.HandleAddRoute,
		Data:   FormatAddRoute(6, "grand"),
	})
	waitFor(t, "route 6 installed", func() bool {
		return node.ExplicitStreamByID(6) != nil
	})
}
