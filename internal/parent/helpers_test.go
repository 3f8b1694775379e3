package parent

import (
	"os"
	"testing"
	"time"

	"go.olrik.dev/lattice/internal/fabric"
	"go.olrik.dev/lattice/internal/module"
)

const testMaxMsg = 1 << 16

func newTestMaster(t *testing.T) (*Router, *module.Cache) {
	t.Helper()
	cache, err := module.NewCache("")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(fabric.Identity{ContextID: 0}, testMaxMsg)
	r.Upgrade(cache, nil)
	t.Cleanup(r.Close)
	return r, cache
}

// linkChild joins a freshly built child-node router to master over pipes,
// as if a connect had completed. Returns the master-side stream, the child
// router and the child's importer cache.
func linkChild(t *testing.T, master *Router, id uint32, name string) (*fabric.Stream, *Router, *module.Cache) {
	t.Helper()
	masterRecv, childXmit, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	childRecv, masterXmit, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	ms := fabric.NewStream(master.Router, id)
	ms.SetName(name)
	ms.AttachFiles(masterRecv, masterXmit)
	mc := master.ContextByID(id, true)
	mc.SetName(name)
	master.Register(mc, ms)

	child := NewRouter(fabric.Identity{ContextID: id, ParentIDs: []uint32{0}}, testMaxMsg)
	ps := fabric.NewStream(child.Router, 0)
	ps.SetName("parent")
	ps.AttachFiles(childRecv, childXmit)
	child.SetParentStream(ps)

	cache, err := module.NewCache("")
	if err != nil {
		t.Fatal(err)
	}
	child.Upgrade(cache, child.ContextByID(0, true))
	t.Cleanup(child.Close)
	return ms, child, cache
}

// newNode builds a non-master router whose upstream stream writes into a
// pipe the test can read propagated frames from.
func newNode(t *testing.T, id uint32) (*Router, *os.File) {
	t.Helper()
	childRecv, parentXmit, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	upstreamRecv, childXmit, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	// Nothing plays the parent in these tests; hold its write end open so
	// the node's read loop just idles.
	t.Cleanup(func() { parentXmit.Close() })

	node := NewRouter(fabric.Identity{ContextID: id, ParentIDs: []uint32{0}}, testMaxMsg)
	ps := fabric.NewStream(node.Router, 0)
	ps.SetName("parent")
	ps.AttachFiles(childRecv, childXmit)
	node.SetParentStream(ps)

	cache, err := module.NewCache("")
	if err != nil {
		t.Fatal(err)
	}
	node.Upgrade(cache, node.ContextByID(0, true))
	t.Cleanup(node.Close)
	t.Cleanup(func() { upstreamRecv.Close() })
	return node, upstreamRecv
}

// newChildStream registers an already "connected" child stream on r, backed
// by pipes. The returned writer injects frames as if the child sent them.
func newChildStream(t *testing.T, r *Router, id uint32, name string) (*Stream, *os.File) {
	t.Helper()
	s, err := NewStream(r, id, &Transport{Name: "local"}, Options{MaxMessageSize: testMaxMsg})
	if err != nil {
		t.Fatal(err)
	}
	recv, inject, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	xmitRead, xmit, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { xmitRead.Close() })

	s.SetName(name)
	s.AttachFiles(recv, xmit)
	c := r.ContextByID(id, true)
	c.SetName(name)
	r.RouteMonitor().NoticeStream(s)
	r.trackStream(s)
	r.Register(c, s.Stream)
	return s, inject
}

func injectFrame(t *testing.T, w *os.File, m *fabric.Message) {
	t.Helper()
	if _, err := w.Write(fabric.EncodeFrame(m)); err != nil {
		t.Fatalf("injecting frame: %v", err)
	}
}

// readFrame reads one frame from f with a timeout.
func readFrame(t *testing.T, f *os.File) *fabric.Message {
	t.Helper()
	type result struct {
		m   *fabric.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := fabric.ReadFrame(f, testMaxMsg)
		ch <- result{m, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("reading frame: %v", res.err)
		}
		return res.m
	case <-time.After(5 * time.Second):
		t.Fatal("no frame arrived within 5s")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
