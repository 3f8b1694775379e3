// Package module holds the importer cache the module forwarder serves child
// GET_MODULE requests from. The cache can be purely in-memory or backed by a
// directory of blobs; with a directory, new blobs dropped in while requests
// are pending resolve those requests via a filesystem watch.
package module

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/fxamacker/cbor/v2"
)

// Record is one loadable module: its dotted name, compressed source, and the
// names of modules it pulls in.
type Record struct {
	Fullname string   `cbor:"fullname"`
	IsPkg    bool     `cbor:"is_pkg,omitempty"`
	Source   []byte   `cbor:"source"`
	Related  []string `cbor:"related,omitempty"`
}

// Encode serialises r for a LOAD_MODULE payload.
func (r *Record) Encode() ([]byte, error) {
	return cbor.Marshal(r)
}

// DecodeRecord parses a LOAD_MODULE payload.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding module record: %w", err)
	}
	return &r, nil
}

const blobExt = ".cbor"

// Cache maps module names to records and parks callbacks for names not yet
// present.
type Cache struct {
	mu      sync.Mutex
	dir     string
	records map[string]*Record
	pending map[string][]func(*Record)
	watcher *fsnotify.Watcher

	// Fetch, when set, is invoked on a miss to request the module from
	// elsewhere (the upstream parent); the eventual Add resolves waiters.
	Fetch func(fullname string)
}

// NewCache returns a cache backed by dir, or a memory-only cache when dir is
// empty. Existing blobs in dir are loaded eagerly; later arrivals are picked
// up by the watch.
func NewCache(dir string) (*Cache, error) {
	c := &Cache{
		dir:     dir,
		records: make(map[string]*Record),
		pending: make(map[string][]func(*Record)),
	}
	if dir == "" {
		return c, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading module cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobExt) {
			continue
		}
		if err := c.loadBlob(filepath.Join(dir, e.Name())); err != nil {
			slog.Warn("skipping unreadable module blob", "path", e.Name(), "error", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("module cache watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching module cache dir: %w", err)
	}
	c.watcher = w
	go c.watch()
	return c, nil
}

func (c *Cache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, blobExt) {
				continue
			}
			if err := c.loadBlob(ev.Name); err != nil {
				slog.Warn("ignoring module blob", "path", ev.Name, "error", err)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("module cache watch error", "error", err)
		}
	}
}

func (c *Cache) loadBlob(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	c.Add(rec)
	return nil
}

// Add installs rec and wakes every request parked on its name.
func (c *Cache) Add(rec *Record) {
	c.mu.Lock()
	c.records[rec.Fullname] = rec
	waiters := c.pending[rec.Fullname]
	delete(c.pending, rec.Fullname)
	c.mu.Unlock()

	for _, fn := range waiters {
		fn(rec)
	}
}

// Get returns the cached record for fullname, or nil.
func (c *Cache) Get(fullname string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[fullname]
}

// Request invokes fn with the record for fullname: immediately on a hit,
// otherwise once the record arrives. On a miss the Fetch hook, when present,
// is asked to produce it.
func (c *Cache) Request(fullname string, fn func(*Record)) {
	c.mu.Lock()
	if rec := c.records[fullname]; rec != nil {
		c.mu.Unlock()
		fn(rec)
		return
	}
	first := len(c.pending[fullname]) == 0
	c.pending[fullname] = append(c.pending[fullname], fn)
	fetch := c.Fetch
	c.mu.Unlock()

	if first && fetch != nil {
		fetch(fullname)
	}
}

// Close stops the directory watch.
func (c *Cache) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}
