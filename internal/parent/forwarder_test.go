package parent

import (
	"testing"
	"time"

	"go.olrik.dev/lattice/internal/module"
)

func TestModuleForwarding(t *testing.T) {
	master, masterCache := newTestMaster(t)
	_, _, childCache := linkChild(t, master, 100, "a")

	masterCache.Add(&module.Record{
		Fullname: "lattice.extra",
		Source:   []byte("compressed-extra"),
	})
	masterCache.Add(&module.Record{
		Fullname: "lattice.utils",
		Source:   []byte("compressed-utils"),
		Related:  []string{"lattice.extra", "lattice.missing"},
	})

	got := make(chan *module.Record, 1)
	childCache.Request("lattice.utils", func(rec *module.Record) {
		got <- rec
	})

	select {
	case rec := <-got:
		if rec.Fullname != "lattice.utils" {
			t.Errorf("resolved record = %q", rec.Fullname)
		}
		if string(rec.Source) != "compressed-utils" {
			t.Errorf("source = %q", rec.Source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("module request never resolved")
	}

	// The transitive dependency travelled alongside; the absent one was
	// skipped without breaking anything.
	waitFor(t, "related module cached", func() bool {
		return childCache.Get("lattice.extra") != nil
	})
	if childCache.Get("lattice.missing") != nil {
		t.Error("absent dependency materialised out of nowhere")
	}
}

func TestModuleRequestLocalHit(t *testing.T) {
	master, masterCache := newTestMaster(t)
	_ = master

	masterCache.Add(&module.Record{Fullname: "lattice.io", Source: []byte("x")})

	hit := false
	masterCache.Request("lattice.io", func(rec *module.Record) { hit = true })
	if !hit {
		t.Error("local cache hit did not resolve synchronously")
	}
}
