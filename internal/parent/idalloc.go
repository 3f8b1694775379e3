package parent

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"go.olrik.dev/lattice/internal/fabric"
)

// idBlockSize is how many IDs the master hands out per ALLOCATE_ID request.
const idBlockSize = 1000

// idRange is the half-open [Start, End) allocation serialised on the wire.
type idRange struct {
	Start uint32 `cbor:"start"`
	End   uint32 `cbor:"end"`
}

// ChildIDAllocator hands out context IDs from a range leased from the
// master. The lock covers both range consumption and the refill round trip,
// so concurrent callers never observe the same ID.
type ChildIDAllocator struct {
	router *fabric.Router

	mu   sync.Mutex
	next uint32
	end  uint32
}

func NewChildIDAllocator(router *fabric.Router) *ChildIDAllocator {
	return &ChildIDAllocator{router: router}
}

// Allocate returns a fresh context ID, refilling from the master (context 0)
// when the local range is exhausted.
func (a *ChildIDAllocator) Allocate(ctx context.Context) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		if a.next < a.end {
			id := a.next
			a.next++
			return id, nil
		}

		master := a.router.ContextByID(0, true)
		reply, err := master.SendAwait(ctx, &fabric.Message{Handle: fabric.HandleAllocateID})
		if err != nil {
			return 0, fmt.Errorf("allocating ID range from master: %w", err)
		}
		var r idRange
		if err := cbor.Unmarshal(reply.Data, &r); err != nil {
			return 0, fmt.Errorf("decoding ID range: %w", err)
		}
		if r.End <= r.Start {
			return 0, fmt.Errorf("master allocated empty ID range [%d, %d)", r.Start, r.End)
		}
		a.next = r.Start
		a.end = r.End
	}
}

// masterIDAllocator is the root of all ID allocation: a plain counter. It
// serves both local Allocate calls and ALLOCATE_ID requests from children.
type masterIDAllocator struct {
	mu   sync.Mutex
	next uint32
}

func newMasterIDAllocator(router *fabric.Router) *masterIDAllocator {
	m := &masterIDAllocator{next: 1}
	router.AddHandler(fabric.HandleAllocateID, m.onAllocateID, true, nil)
	return m
}

func (m *masterIDAllocator) allocateOne() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	return id
}

func (m *masterIDAllocator) allocateBlock() idRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := idRange{Start: m.next, End: m.next + idBlockSize}
	m.next = r.End
	return r
}

func (m *masterIDAllocator) onAllocateID(msg *fabric.Message, _ *fabric.Stream) {
	if msg.Dead {
		return
	}
	r := m.allocateBlock()
	data, err := cbor.Marshal(r)
	if err != nil {
		return
	}
	msg.Reply(data)
}
