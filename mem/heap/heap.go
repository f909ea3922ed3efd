package heap

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"ostd/arch"
	"ostd/cpulocal"
	"ostd/kerrors"
	"ostd/ksync"
	"ostd/mem/pmm"
	"ostd/util"
)

// defaultRescueBurst is the size of the arena growth a rescue
// performs when the buddy allocator runs dry (spec.md §4.D's
// "requests a burst of frames (default 64 MiB)").
const defaultRescueBurst = 64 << 20

func defaultRescueOrder() int { return orderForSize(defaultRescueBurst) }

type heapState struct {
	buddy *buddy
	slabs map[int]*slabCache
}

// Heap is the kernel core's general-purpose allocator: a slab bank
// for sizes up to one base page and a buddy allocator for everything
// larger, both guarded by one lock held with local IRQs disabled
// (spec.md §4.D, §5). Buddy exhaustion triggers a rescue that grows
// the arena from mem/pmm; concurrent rescues for the same order are
// coalesced with singleflight so only one CPU actually performs the
// frame-allocator call.
type Heap struct {
	rt    *cpulocal.Runtime
	state *ksync.SpinLock[heapState]
	group singleflight.Group
}

// NewHeap creates an empty heap drawing its backing frames from alloc.
func NewHeap(rt *cpulocal.Runtime, alloc *pmm.Allocator) *Heap {
	slabs := make(map[int]*slabCache, len(slotClasses))
	for _, sz := range slotClasses {
		slabs[sz] = newSlabCache(alloc, sz)
	}
	st := heapState{buddy: newBuddy(alloc), slabs: slabs}
	return &Heap{rt: rt, state: ksync.NewSpinLock(rt, st)}
}

// slabClassFor returns the smallest slot class that can satisfy a
// size-byte, align-byte-aligned request, if one exists. Every class
// in slotClasses is itself a power of two, so any power-of-two align
// no larger than the class divides it evenly — a slot's offset within
// its page-aligned slab frame is automatically align-aligned.
func slabClassFor(size, align int) (int, bool) {
	for _, c := range slotClasses {
		if c >= size && c >= align {
			return c, true
		}
	}
	return 0, false
}

// Alloc returns the physical address of a size-byte allocation aligned
// to align, which must be a power of two.
func (h *Heap) Alloc(size, align int) (arch.Paddr, error) {
	if size <= 0 || !util.IsPow2(align) {
		return 0, kerrors.InvalidArgs
	}

	if class, ok := slabClassFor(size, align); ok {
		return h.allocSlab(class)
	}
	order := orderForSize(uint64(max(size, align)))
	if order > maxOrder {
		return 0, kerrors.InvalidArgs
	}
	return h.allocBuddy(order)
}

// Free releases a previous Alloc(size, align) allocation. size and
// align must match the original call, the same way Rust's
// GlobalAlloc::dealloc requires the original Layout back.
func (h *Heap) Free(pa arch.Paddr, size, align int) {
	if class, ok := slabClassFor(size, align); ok {
		g := h.state.Lock(ksync.IrqDisabled)
		defer g.Unlock()
		g.Get().slabs[class].free(pa)
		return
	}
	order := orderForSize(uint64(max(size, align)))
	g := h.state.Lock(ksync.IrqDisabled)
	defer g.Unlock()
	g.Get().buddy.freeOrder(pa, order)
}

func (h *Heap) allocSlab(class int) (arch.Paddr, error) {
	g := h.state.Lock(ksync.IrqDisabled)
	defer g.Unlock()
	return g.Get().slabs[class].alloc()
}

// allocBuddy tries the fast path, and on failure rescues the arena
// once before retrying, per spec.md §4.D.
func (h *Heap) allocBuddy(order int) (arch.Paddr, error) {
	if pa, ok := h.tryTakeBuddy(order); ok {
		return pa, nil
	}

	key := fmt.Sprintf("grow:%d", order)
	_, err, _ := h.group.Do(key, func() (any, error) {
		return nil, h.growBuddy(order)
	})
	if err != nil {
		return 0, err
	}

	if pa, ok := h.tryTakeBuddy(order); ok {
		return pa, nil
	}
	return 0, kerrors.NoMemory
}

func (h *Heap) tryTakeBuddy(order int) (arch.Paddr, bool) {
	g := h.state.Lock(ksync.IrqDisabled)
	defer g.Unlock()
	return g.Get().buddy.takeAtOrder(order)
}

// growBuddy donates at least defaultRescueBurst worth of fresh pages
// to the arena, or exactly the requested order if that order is
// itself bigger than the default burst. If the frame allocator can't
// satisfy the full default burst (a small system, or one already
// under memory pressure), it falls back to asking for exactly what
// the triggering allocation needs.
func (h *Heap) growBuddy(order int) error {
	growOrder := order
	if defaultRescueOrder() > growOrder {
		growOrder = defaultRescueOrder()
	}

	g := h.state.Lock(ksync.IrqDisabled)
	defer g.Unlock()
	if err := g.Get().buddy.grow(growOrder); err != nil {
		if growOrder == order {
			return err
		}
		return g.Get().buddy.grow(order)
	}
	return nil
}
