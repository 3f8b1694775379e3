package parent

import (
	"log/slog"

	"go.olrik.dev/lattice/internal/fabric"
	"go.olrik.dev/lattice/internal/module"
)

// ModuleForwarder answers GET_MODULE requests from immediate children: from
// the local importer cache when possible, otherwise by asking the upstream
// parent and replying once the module arrives.
type ModuleForwarder struct {
	router *Router
	parent *fabric.Context
	cache  *module.Cache
}

func NewModuleForwarder(router *Router, parent *fabric.Context, cache *module.Cache) *ModuleForwarder {
	f := &ModuleForwarder{router: router, parent: parent, cache: cache}
	router.AddHandler(fabric.HandleGetModule, f.onGetModule, true, fabric.IsImmediateChild)
	if parent != nil {
		cache.Fetch = func(fullname string) {
			parent.Send(&fabric.Message{Handle: fabric.HandleGetModule, Data: []byte(fullname)})
		}
		router.AddHandler(fabric.HandleLoadModule, f.onLoadModule, true, f.fromParent)
	}
	return f
}

// fromParent accepts only messages arriving on the upstream stream.
func (f *ModuleForwarder) fromParent(_ *fabric.Message, via *fabric.Stream) bool {
	return via != nil && via == f.router.ParentStream()
}

func (f *ModuleForwarder) onLoadModule(msg *fabric.Message, _ *fabric.Stream) {
	if msg.Dead {
		return
	}
	rec, err := module.DecodeRecord(msg.Data)
	if err != nil {
		slog.Error("undecodable LOAD_MODULE from parent", "error", err)
		return
	}
	f.cache.Add(rec)
}

func (f *ModuleForwarder) onGetModule(msg *fabric.Message, via *fabric.Stream) {
	if msg.Dead {
		return
	}
	fullname := string(msg.Data)
	slog.Debug("module requested", "module", fullname, "src", msg.SrcID)
	requester := msg.SrcID
	f.cache.Request(fullname, func(rec *module.Record) {
		f.sendModule(requester, via, rec)
	})
}

// sendModule streams rec plus every transitive dependency present in the
// cache back to the requester, one LOAD_MODULE each. Absent dependencies are
// skipped; the child re-requests them on demand. The per-stream sent set
// suppresses repeats.
func (f *ModuleForwarder) sendModule(dst uint32, via *fabric.Stream, rec *module.Record) {
	ps := f.router.StreamFor(via)
	for _, related := range rec.Related {
		rrec := f.cache.Get(related)
		if rrec == nil {
			slog.Debug("skipping absent related module", "module", related)
			continue
		}
		if ps != nil && ps.ModuleSent(related) {
			continue
		}
		f.sendOne(dst, rrec)
	}
	if ps != nil {
		ps.ModuleSent(rec.Fullname)
	}
	f.sendOne(dst, rec)
}

func (f *ModuleForwarder) sendOne(dst uint32, rec *module.Record) {
	data, err := rec.Encode()
	if err != nil {
		slog.Error("encoding module record", "module", rec.Fullname, "error", err)
		return
	}
	slog.Debug("sending module", "module", rec.Fullname, "dst", dst)
	id := f.router.Identity().ContextID
	f.router.Route(&fabric.Message{
		DstID:  dst,
		SrcID:  id,
		AuthID: id,
		Handle: fabric.HandleLoadModule,
		Data:   data,
	}, nil)
}
