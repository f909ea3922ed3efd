// Package heap implements the kernel core's general-purpose allocator
// (spec.md §4.D): a buddy allocator backing multi-page allocations
// directly, and a bank of slab caches for sub-page, power-of-two-ish
// sized objects drawn from single-frame slabs. Both tiers grow their
// backing store from mem/pmm on demand; the buddy tier coalesces
// concurrent growth requests with a singleflight rescue, while each
// slab cache allocates a fresh frame per new slab.
package heap

import (
	"fmt"

	"ostd/arch"
	"ostd/mem/pmm"
)

// maxOrder bounds the buddy allocator at 32 distinct block sizes
// (order 0, a single base page, through order 31), matching spec.md
// §4.D's "buddy allocator of order 32".
const maxOrder = 31

// ArenaMeta tags the frames the buddy arena grows its backing store
// with: large heap allocations are content-agnostic from pmm's point
// of view, the same as a DMA or bounce buffer.
type ArenaMeta struct{}

func (ArenaMeta) Tag() pmm.UsageTag { return pmm.Untyped }

// buddy is a classic address-ordered buddy allocator over a set of
// page ranges donated by pmm. It tracks free block starts per order
// in a map for O(1) buddy lookup on free; it never touches the bytes
// at those addresses, since mem/heap's callers (kernel-internal
// objects) own that content themselves.
type buddy struct {
	alloc *pmm.Allocator

	free     [maxOrder + 1]map[arch.Paddr]struct{}
	segments []pmm.Segment[ArenaMeta] // keeps the backing frames' refcount alive
	pages    uint64                   // total base pages ever donated to this arena
}

func newBuddy(alloc *pmm.Allocator) *buddy {
	b := &buddy{alloc: alloc}
	for i := range b.free {
		b.free[i] = make(map[arch.Paddr]struct{})
	}
	return b
}

func orderPages(order int) uint64 { return uint64(1) << uint(order) }
func orderBytes(order int) uint64 { return orderPages(order) * arch.BasePageSize }

// orderForSize returns the smallest order whose block can hold size
// bytes.
func orderForSize(size uint64) int {
	order := 0
	for orderBytes(order) < size {
		order++
	}
	return order
}

// buddyOf returns pa's buddy address at order: addresses differ by
// exactly one block of that order in the canonical pairing.
func buddyOf(pa arch.Paddr, order int) arch.Paddr {
	return pa ^ arch.Paddr(orderBytes(order))
}

// insert adds a free block, merging upward with its buddy whenever
// possible.
func (b *buddy) insert(pa arch.Paddr, order int) {
	for order < maxOrder {
		bud := buddyOf(pa, order)
		if _, ok := b.free[order][bud]; !ok {
			break
		}
		delete(b.free[order], bud)
		if bud < pa {
			pa = bud
		}
		order++
	}
	b.free[order][pa] = struct{}{}
}

// takeAtOrder removes and returns one free block at exactly order, if
// any, splitting a larger block down when the requested order itself
// is empty.
func (b *buddy) takeAtOrder(order int) (arch.Paddr, bool) {
	if len(b.free[order]) > 0 {
		for pa := range b.free[order] {
			delete(b.free[order], pa)
			return pa, true
		}
	}
	if order == maxOrder {
		return 0, false
	}
	parent, ok := b.takeAtOrder(order + 1)
	if !ok {
		return 0, false
	}
	half := parent + arch.Paddr(orderBytes(order))
	b.free[order][half] = struct{}{}
	return parent, true
}

// grow donates a freshly allocated, contiguous run of 2^order pages
// to the arena at that order.
func (b *buddy) grow(order int) error {
	n := orderPages(order)
	seg, err := pmm.AllocContiguous(b.alloc, pmm.DefaultAllocOptions(), int(n), func(int) ArenaMeta { return ArenaMeta{} })
	if err != nil {
		return fmt.Errorf("heap: growing buddy arena by %d pages: %w", n, err)
	}
	b.segments = append(b.segments, seg)
	b.pages += n
	b.insert(seg.Start(), order)
	return nil
}

func (b *buddy) freeOrder(pa arch.Paddr, order int) {
	b.insert(pa, order)
}
