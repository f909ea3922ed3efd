package heap

import (
	"fmt"

	"ostd/arch"
	"ostd/mem/pmm"
)

// slotClasses are the fixed slot sizes a slab cache bank provides,
// covering every power-of-two-aligned request up to one base page
// (spec.md §4.D's "16, 32, 64, …").
var slotClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// maxEmptySlabs bounds how many fully-free slabs a cache keeps around
// before returning them to the frame allocator (spec.md §4.D's
// "exceeding a max-empty threshold returns empty slabs").
const maxEmptySlabs = 2

// SlabMeta tags the frames backing one slab's slots.
type SlabMeta struct{}

func (SlabMeta) Tag() pmm.UsageTag { return pmm.SlabUsage }

// slab is one page-sized frame carved into fixed-size slots. free
// holds the indices of unallocated slots as a stack; allocated is the
// live count, used to decide which of the cache's three lists the
// slab belongs in.
type slab struct {
	frame     pmm.Frame[SlabMeta]
	slotSize  int
	nslots    int
	free      []int
	allocated int
}

func newSlab(alloc *pmm.Allocator, slotSize int) (*slab, error) {
	f, err := pmm.AllocSingle(alloc, pmm.DefaultAllocOptions(), SlabMeta{})
	if err != nil {
		return nil, fmt.Errorf("heap: allocating slab frame for class %d: %w", slotSize, err)
	}
	n := arch.BasePageSize / slotSize
	free := make([]int, n)
	for i := range free {
		free[i] = n - 1 - i // pop from the end; order doesn't matter
	}
	return &slab{frame: f, slotSize: slotSize, nslots: n, free: free}, nil
}

func (s *slab) takeSlot() arch.Paddr {
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.allocated++
	return s.frame.Paddr() + arch.Paddr(idx*s.slotSize)
}

func (s *slab) returnSlot(pa arch.Paddr) {
	idx := int(pa-s.frame.Paddr()) / s.slotSize
	s.free = append(s.free, idx)
	s.allocated--
}

func (s *slab) isEmpty() bool { return s.allocated == 0 }
func (s *slab) isFull() bool  { return len(s.free) == 0 }

// slabCache owns every slab of one slot size, partitioned into the
// empty/partial/full lists spec.md §4.D describes. frameIndex maps a
// slab's backing frame paddr to the slab, for Free's paddr -> slab
// lookup.
type slabCache struct {
	slotSize int
	frames   *pmm.Allocator

	empty   []*slab
	partial []*slab
	full    []*slab

	frameIndex map[arch.Paddr]*slab
}

func newSlabCache(alloc *pmm.Allocator, slotSize int) *slabCache {
	return &slabCache{
		slotSize:   slotSize,
		frames:     alloc,
		frameIndex: make(map[arch.Paddr]*slab),
	}
}

func removeSlab(list []*slab, s *slab) []*slab {
	for i, c := range list {
		if c == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// alloc returns a free slot, creating a new slab if neither the
// partial nor empty list has room.
func (c *slabCache) alloc() (arch.Paddr, error) {
	var s *slab
	switch {
	case len(c.partial) > 0:
		s = c.partial[len(c.partial)-1]
	case len(c.empty) > 0:
		s = c.empty[len(c.empty)-1]
		c.empty = c.empty[:len(c.empty)-1]
		c.partial = append(c.partial, s)
	default:
		ns, err := newSlab(c.frames, c.slotSize)
		if err != nil {
			return 0, err
		}
		s = ns
		c.frameIndex[s.frame.Paddr()] = s
		c.partial = append(c.partial, s)
	}

	pa := s.takeSlot()
	if s.isFull() {
		c.partial = removeSlab(c.partial, s)
		c.full = append(c.full, s)
	}
	return pa, nil
}

// owns reports whether pa was handed out by this cache, and if so the
// owning slab.
func (c *slabCache) owns(pa arch.Paddr) (*slab, bool) {
	frameBase := pa &^ arch.Paddr(arch.BasePageSize-1)
	s, ok := c.frameIndex[frameBase]
	return s, ok
}

// free returns pa's slot to its slab, moving the slab between lists
// as its occupancy changes. A slab that becomes empty is cached for
// reuse, or released back to pmm when maxEmptySlabs empty slabs are
// already cached.
func (c *slabCache) free(pa arch.Paddr) {
	s, ok := c.owns(pa)
	if !ok {
		panic(fmt.Sprintf("heap: free %#x does not belong to slab class %d", pa, c.slotSize))
	}
	wasFull := s.isFull()
	s.returnSlot(pa)

	if wasFull {
		c.full = removeSlab(c.full, s)
		c.partial = append(c.partial, s)
	}
	if !s.isEmpty() {
		return
	}
	c.partial = removeSlab(c.partial, s)
	if len(c.empty) >= maxEmptySlabs {
		delete(c.frameIndex, s.frame.Paddr())
		s.frame.Drop()
		return
	}
	c.empty = append(c.empty, s)
}
