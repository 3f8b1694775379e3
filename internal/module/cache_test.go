package module

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := &Record{
		Fullname: "lattice.utils",
		IsPkg:    true,
		Source:   []byte{0x78, 0x9c, 0x01},
		Related:  []string{"lattice", "lattice.core"},
	}
	data, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fullname != rec.Fullname || got.IsPkg != rec.IsPkg ||
		string(got.Source) != string(rec.Source) || len(got.Related) != 2 {
		t.Errorf("round trip = %+v, want %+v", got, rec)
	}
}

func TestMemoryCacheHit(t *testing.T) {
	c, err := NewCache("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Add(&Record{Fullname: "m", Source: []byte("s")})
	if c.Get("m") == nil {
		t.Fatal("added record not found")
	}

	hit := false
	c.Request("m", func(rec *Record) { hit = true })
	if !hit {
		t.Error("hit did not resolve synchronously")
	}
}

func TestPendingResolvedByAdd(t *testing.T) {
	c, err := NewCache("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resolved := make(chan string, 2)
	c.Request("late", func(rec *Record) { resolved <- "a" })
	c.Request("late", func(rec *Record) { resolved <- "b" })

	c.Add(&Record{Fullname: "late", Source: []byte("s")})
	for i := 0; i < 2; i++ {
		select {
		case <-resolved:
		case <-time.After(time.Second):
			t.Fatal("pending request never resolved")
		}
	}
}

func TestFetchInvokedOncePerName(t *testing.T) {
	c, err := NewCache("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fetches := 0
	c.Fetch = func(fullname string) { fetches++ }

	c.Request("x", func(rec *Record) {})
	c.Request("x", func(rec *Record) {})
	if fetches != 1 {
		t.Errorf("fetch called %d times, want 1", fetches)
	}
}

func writeBlob(t *testing.T, dir string, rec *Record) {
	t.Helper()
	data, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	// Write then rename so the watcher never sees a torn file.
	tmp := filepath.Join(dir, rec.Fullname+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, rec.Fullname+blobExt)); err != nil {
		t.Fatal(err)
	}
}

func TestDirectoryCacheEagerLoad(t *testing.T) {
	dir := t.TempDir()
	rec := &Record{Fullname: "preexisting", Source: []byte("s")}
	data, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "preexisting"+blobExt), data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Get("preexisting") == nil {
		t.Error("blob present at startup was not loaded")
	}
}

func TestDirectoryCacheWatchResolvesPending(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resolved := make(chan *Record, 1)
	c.Request("dropped.in", func(rec *Record) { resolved <- rec })

	writeBlob(t, dir, &Record{Fullname: "dropped.in", Source: []byte("s")})

	select {
	case rec := <-resolved:
		if rec.Fullname != "dropped.in" {
			t.Errorf("resolved %q", rec.Fullname)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never resolved the pending request")
	}
}
