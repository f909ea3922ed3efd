package pmm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/kerrors"
	"ostd/klog"
)

// maxOrder bounds the buddy system at 2^maxOrder frames per block
// (4 GiB of contiguous frames at a 4 KiB base page), matching the
// scale biscuit's single global Physmem_t targets.
const maxOrder = 20

// magazineCapacity is the number of single frames a per-CPU magazine
// holds before it is full; refills move roughly 2/3 of this at a time,
// per spec.md §4.B, and flushes of a full magazine move half of it.
const magazineCapacity = 32

// slot is one entry of the global, statically sized per-frame
// metadata array; index = frame number - base frame number.
type slot struct {
	refcnt atomic.Int32
	tag    atomic.Uint32
	meta   atomic.Pointer[any]

	// Free-list linkage, valid only while tag == Free and only
	// touched under Allocator.mu.
	order      uint8
	next, prev uint32
}

const nilIdx = ^uint32(0)

// Allocator is the single global physical-frame allocator. It owns
// the metadata array, sized from the boot memory map (spec.md §4.B),
// and the buddy free lists backing it; per-CPU magazine caches
// amortize the buddy lock for the single-frame common case.
type Allocator struct {
	mem  *hosted.PhysMem
	base arch.Paddr
	n    uint32 // total frame count covered by slots

	slots []slot

	mu        sync.Mutex
	freeHead  [maxOrder + 1]uint32
	freeCount int64 // atomic, frames currently on the buddy free lists, across all orders

	magMu      [256]sync.Mutex
	magazines  [256][]arch.Paddr // per-CPU stacks of single free frames
	numCPUCaps int
}

// New creates an allocator covering nframes frames of simulated
// physical RAM starting at base, backed by mem. nframes must not
// exceed mem.Size()/BasePageSize. numCPU sizes the per-CPU magazine
// array.
func New(mem *hosted.PhysMem, base arch.Paddr, nframes uint32, numCPU int) (*Allocator, error) {
	if uint64(nframes)*arch.BasePageSize > uint64(mem.Size()) {
		return nil, fmt.Errorf("pmm: %d frames exceeds backing arena of %d bytes", nframes, mem.Size())
	}
	if numCPU <= 0 || numCPU > 256 {
		return nil, fmt.Errorf("pmm: numCPU %d out of supported range", numCPU)
	}
	a := &Allocator{
		mem:        mem,
		base:       base,
		n:          nframes,
		slots:      make([]slot, nframes),
		numCPUCaps: numCPU,
	}
	for o := range a.freeHead {
		a.freeHead[o] = nilIdx
	}
	for i := range a.magazines {
		a.magazines[i] = make([]arch.Paddr, 0, magazineCapacity)
	}
	a.seedFreeList()
	klog.Init("pmm", "%d frames (%d MiB) free, base %#x", nframes, uint64(nframes)*arch.BasePageSize/(1<<20), base)
	return a, nil
}

// seedFreeList partitions [0,n) into maximal aligned power-of-two
// blocks and pushes each onto the free list of its order, the usual
// buddy-allocator bootstrap when the managed range isn't itself a
// power of two.
func (a *Allocator) seedFreeList() {
	var i uint32
	for i < a.n {
		order := maxOrder
		for order > 0 {
			blockLen := uint32(1) << order
			if i%blockLen == 0 && i+blockLen <= a.n {
				break
			}
			order--
		}
		a.slots[i].tag.Store(uint32(Free))
		a.pushFree(i, uint8(order))
		i += uint32(1) << order
	}
}

func (a *Allocator) frameNum(pa arch.Paddr) uint32 {
	return uint32((pa - a.base) / arch.BasePageSize)
}

func (a *Allocator) paddrOf(idx uint32) arch.Paddr {
	return a.base + arch.Paddr(idx)*arch.BasePageSize
}

func (a *Allocator) slotFor(pa arch.Paddr) *slot {
	idx := a.frameNum(pa)
	if idx >= a.n {
		panic(fmt.Sprintf("pmm: paddr %#x outside managed range", pa))
	}
	return &a.slots[idx]
}

// pushFree links block head idx onto the order free list. Caller
// holds a.mu.
func (a *Allocator) pushFree(idx uint32, order uint8) {
	s := &a.slots[idx]
	s.order = order
	s.prev = nilIdx
	s.next = a.freeHead[order]
	if s.next != nilIdx {
		a.slots[s.next].prev = idx
	}
	a.freeHead[order] = idx
	atomic.AddInt64(&a.freeCount, int64(1)<<order)
}

// unlinkFree removes idx from its order free list. Caller holds a.mu.
func (a *Allocator) unlinkFree(idx uint32, order uint8) {
	s := &a.slots[idx]
	if s.prev == nilIdx {
		a.freeHead[order] = s.next
	} else {
		a.slots[s.prev].next = s.next
	}
	if s.next != nilIdx {
		a.slots[s.next].prev = s.prev
	}
	atomic.AddInt64(&a.freeCount, -(int64(1) << order))
}

// popAnyFree removes and returns the head of the order free list, or
// ok=false if empty. Caller holds a.mu.
func (a *Allocator) popAnyFree(order uint8) (idx uint32, ok bool) {
	idx = a.freeHead[order]
	if idx == nilIdx {
		return 0, false
	}
	a.unlinkFree(idx, order)
	return idx, true
}

// allocOrder removes one free block of exactly 2^order frames from
// the buddy system, splitting a larger block if necessary. Caller
// holds a.mu. Returns false on exhaustion.
func (a *Allocator) allocOrder(order uint8) (uint32, bool) {
	if order > maxOrder {
		return 0, false
	}
	if idx, ok := a.popAnyFree(order); ok {
		return idx, true
	}
	parent, ok := a.allocOrder(order + 1)
	if !ok {
		return 0, false
	}
	buddy := parent ^ (uint32(1) << order)
	a.slots[buddy].tag.Store(uint32(Free))
	a.pushFree(buddy, order)
	return parent, true
}

// freeOrder returns block idx (2^order frames, already marked Free
// in its tag) to the buddy system, merging with its buddy repeatedly
// while the buddy is itself free at the same order. Caller holds a.mu.
func (a *Allocator) freeOrder(idx uint32, order uint8) {
	for order < maxOrder {
		buddy := idx ^ (uint32(1) << order)
		if buddy >= a.n {
			break
		}
		bs := &a.slots[buddy]
		if UsageTag(bs.tag.Load()) != Free || bs.order != order {
			break
		}
		a.unlinkFree(buddy, order)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	a.pushFree(idx, order)
}

func orderFor(nframes uint32) uint8 {
	var order uint8
	for (uint32(1) << order) < nframes {
		order++
	}
	return order
}

// allocRaw removes exactly nframes contiguous frames from the buddy
// system (rounding up to a power of two internally, freeing back the
// unused tail), returning the head frame index.
func (a *Allocator) allocRaw(nframes uint32) (uint32, bool) {
	if nframes == 0 {
		return 0, false
	}
	order := orderFor(nframes)
	a.mu.Lock()
	idx, ok := a.allocOrder(order)
	if ok {
		blockLen := uint32(1) << order
		if extra := blockLen - nframes; extra > 0 {
			// Free the unused tail in maximal aligned chunks.
			tail := idx + nframes
			remaining := extra
			for remaining > 0 {
				o := uint8(0)
				for o < maxOrder && tail%(uint32(1)<<(o+1)) == 0 && (uint32(1)<<(o+1)) <= remaining {
					o++
				}
				a.slots[tail].tag.Store(uint32(Free))
				a.pushFree(tail, o)
				tail += uint32(1) << o
				remaining -= uint32(1) << o
			}
		}
	}
	a.mu.Unlock()
	return idx, ok
}

// allocFromMagazine services a single-frame request from the calling
// CPU's magazine, refilling from the global allocator on a miss.
func (a *Allocator) allocFromMagazine(cpu int) (arch.Paddr, bool) {
	a.magMu[cpu].Lock()
	mag := a.magazines[cpu]
	if len(mag) > 0 {
		pa := mag[len(mag)-1]
		a.magazines[cpu] = mag[:len(mag)-1]
		a.magMu[cpu].Unlock()
		return pa, true
	}
	a.magMu[cpu].Unlock()

	refill := (magazineCapacity * 2) / 3
	var got []arch.Paddr
	for i := 0; i < refill; i++ {
		idx, ok := a.allocRaw(1)
		if !ok {
			break
		}
		got = append(got, a.paddrOf(idx))
	}
	if len(got) == 0 {
		return 0, false
	}
	pa := got[len(got)-1]
	got = got[:len(got)-1]

	a.magMu[cpu].Lock()
	a.magazines[cpu] = append(a.magazines[cpu], got...)
	a.magMu[cpu].Unlock()
	return pa, true
}

// freeToMagazine returns a single frame to the calling CPU's
// magazine, flushing half of it to the global allocator once full.
func (a *Allocator) freeToMagazine(cpu int, pa arch.Paddr) {
	a.magMu[cpu].Lock()
	if len(a.magazines[cpu]) < magazineCapacity {
		a.magazines[cpu] = append(a.magazines[cpu], pa)
		a.magMu[cpu].Unlock()
		return
	}
	flush := magazineCapacity / 2
	toFlush := append([]arch.Paddr(nil), a.magazines[cpu][:flush]...)
	a.magazines[cpu] = append(a.magazines[cpu][:0], a.magazines[cpu][flush:]...)
	a.magazines[cpu] = append(a.magazines[cpu], pa)
	a.magMu[cpu].Unlock()

	a.mu.Lock()
	for _, p := range toFlush {
		idx := a.frameNum(p)
		a.slots[idx].tag.Store(uint32(Free))
		a.freeOrder(idx, 0)
	}
	a.mu.Unlock()
}

// zero clears a frame's backing storage.
func (a *Allocator) zero(pa arch.Paddr) {
	b := a.mem.Bytes(pa, arch.BasePageSize)
	for i := range b {
		b[i] = 0
	}
}

// release is the common Frame/Segment drop path: decrement refcount,
// and on the 1->0 transition, clear the slot and return the frame to
// the magazine shard cpuHint picks.
func (a *Allocator) release(pa arch.Paddr) {
	s := a.slotFor(pa)
	c := s.refcnt.Add(-1)
	if c < 0 {
		panic(fmt.Sprintf("pmm: refcount underflow at paddr %#x", pa))
	}
	if c > 0 {
		return
	}
	s.meta.Store(nil)
	s.tag.Store(uint32(Free))
	a.freeToMagazine(cpuHint(a.numCPUCaps), pa)
}

// cpuRoundRobin hands out magazine shard indices to callers that
// don't supply a CPU affinity hint.
var cpuRoundRobin atomic.Uint64

// cpuHint picks a magazine shard for the calling goroutine. Callers
// that care about true per-CPU affinity run pinned via
// arch/hosted.Backend.PinCurrentCPU and should prefer AllocOptions
// with an explicit CPU; this fallback only needs to distribute load
// round-robin across shards, not guarantee identity.
func cpuHint(numCPU int) int {
	return int(cpuRoundRobin.Add(1) % uint64(numCPU))
}

// AllocOptions configures a single allocation request.
type AllocOptions struct {
	// CPU pins the request to a specific magazine shard; -1 (as set
	// by DefaultAllocOptions) lets the allocator pick one.
	CPU int
	// Uninit skips zeroing the frame's contents before handoff.
	Uninit bool
}

// DefaultAllocOptions returns zeroed, unaffinitized allocation
// options — the common case.
func DefaultAllocOptions() AllocOptions { return AllocOptions{CPU: -1} }

func (o AllocOptions) cpu(numCPU int) int {
	if o.CPU >= 0 && o.CPU < numCPU {
		return o.CPU
	}
	return cpuHint(numCPU)
}

// AllocSingle allocates one frame and installs metadata as its
// metadata, matching spec.md §4.B's common fast path.
func AllocSingle[M Meta](a *Allocator, opts AllocOptions, metadata M) (Frame[M], error) {
	cpu := opts.cpu(a.numCPUCaps)
	pa, ok := a.allocFromMagazine(cpu)
	if !ok {
		return Frame[M]{}, kerrors.NoMemory
	}
	if !opts.Uninit {
		a.zero(pa)
	}
	s := a.slotFor(pa)
	setMeta(s, metadata)
	s.refcnt.Store(1)
	return Frame[M]{alloc: a, pa: pa}, nil
}

// Alloc returns n freshly refcounted, scattered frames, each with
// metadata produced by metadataFn(i).
func Alloc[M Meta](a *Allocator, opts AllocOptions, n int, metadataFn func(i int) M) ([]Frame[M], error) {
	out := make([]Frame[M], 0, n)
	for i := 0; i < n; i++ {
		f, err := AllocSingle(a, opts, metadataFn(i))
		if err != nil {
			for _, got := range out {
				got.Drop()
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// AllocContiguous returns a Segment spanning n physically contiguous
// frames, each tagged with the usage metadataFn declares; metadataFn
// is invoked once per frame with its index within the segment.
func AllocContiguous[M Meta](a *Allocator, opts AllocOptions, n int, metadataFn func(i int) M) (Segment[M], error) {
	if n <= 0 {
		return Segment[M]{}, fmt.Errorf("pmm: AllocContiguous requires n > 0")
	}
	idx, ok := a.allocRaw(uint32(n))
	if !ok {
		return Segment[M]{}, kerrors.NoMemory
	}
	start := a.paddrOf(idx)
	for i := 0; i < n; i++ {
		pa := start + arch.Paddr(i)*arch.BasePageSize
		if !opts.Uninit {
			a.zero(pa)
		}
		s := a.slotFor(pa)
		setMeta(s, metadataFn(i))
		s.refcnt.Store(1)
	}
	return Segment[M]{alloc: a, start: start, n: uint32(n)}, nil
}

// FreeFrames reports the number of frames currently free across the
// buddy free lists and all per-CPU magazines.
func (a *Allocator) FreeFrames() int64 {
	n := atomic.LoadInt64(&a.freeCount)
	for cpu := 0; cpu < a.numCPUCaps; cpu++ {
		a.magMu[cpu].Lock()
		n += int64(len(a.magazines[cpu]))
		a.magMu[cpu].Unlock()
	}
	return n
}

// TotalFrames reports the number of frames this allocator manages.
func (a *Allocator) TotalFrames() uint32 { return a.n }

// UsageOf reports the usage tag currently occupying the frame at pa,
// for diagnostics (spec.md §7's invariant I1: refcount>0 iff usage != Free).
func (a *Allocator) UsageOf(pa arch.Paddr) UsageTag {
	return UsageTag(a.slotFor(pa).tag.Load())
}

// RefcountOf reports the current refcount of the frame at pa.
func (a *Allocator) RefcountOf(pa arch.Paddr) int32 {
	return a.slotFor(pa).refcnt.Load()
}

// Bytes exposes n bytes of the simulated physical arena starting at
// pa, for components that need to read or write page content directly
// (mem/vmm's page-table walker, which has no MMU of its own to
// dereference a paddr through).
func (a *Allocator) Bytes(pa arch.Paddr, n int) []byte {
	return a.mem.Bytes(pa, n)
}
