// Package pmm owns all physical memory: a single metadata slot per
// frame (refcount + usage tag + typed payload), a buddy allocator
// over the global free list, and a per-CPU magazine layer in front of
// it. It is the Go analogue of the teacher's mem.Physmem_t, reworked
// from biscuit's single-page refcounted free lists into the spec's
// buddy-of-orders design with typed, tag-checked metadata instead of
// a bare Pa_t.
package pmm

import (
	"fmt"

	"ostd/arch"
)

// UsageTag discriminates what a metadata slot's payload currently
// means. A frame transitions tags only while its refcount is zero
// (Free) or exactly at the alloc/free boundary.
type UsageTag uint32

const (
	Free UsageTag = iota
	Untyped
	FrameUsage
	PageTableUsage
	MetaUsage
	SlabUsage
	KernelStackUsage
	TaskDataUsage
	ReservedUsage
)

func (t UsageTag) String() string {
	switch t {
	case Free:
		return "Free"
	case Untyped:
		return "Untyped"
	case FrameUsage:
		return "Frame"
	case PageTableUsage:
		return "PageTable"
	case MetaUsage:
		return "Meta"
	case SlabUsage:
		return "Slab"
	case KernelStackUsage:
		return "KernelStack"
	case TaskDataUsage:
		return "TaskData"
	case ReservedUsage:
		return "Reserved"
	default:
		return fmt.Sprintf("UsageTag(%d)", uint32(t))
	}
}

// Meta is implemented by every frame metadata payload type. Tag
// reports the UsageTag a slot holding a value of that type carries;
// it must be callable on the type's zero value, since reconstruction
// from a raw paddr only has the type, not a live instance, to check
// against.
type Meta interface {
	Tag() UsageTag
}

// UntypedMeta marks a frame as plain, content-agnostic memory (DMA
// buffers, bounce buffers) with no further structure.
type UntypedMeta struct{}

func (UntypedMeta) Tag() UsageTag { return Untyped }

// tagOf returns the UsageTag that metadata type M is declared under,
// via its zero value. The result is only meaningful when M's Tag
// method ignores instance state, as the Meta contract above requires;
// tagOf does not check this.
func tagOf[M Meta]() UsageTag {
	var zero M
	return zero.Tag()
}

// Frame is an owning handle to one physical page frame whose metadata
// slot is known, by construction, to hold an M. Cloning increments
// the slot's refcount; Drop decrements it, clearing the metadata and
// returning the frame to the allocator when the count reaches zero.
// Metadata types have no drop hook: nothing of M runs on that
// transition.
type Frame[M Meta] struct {
	alloc *Allocator
	pa    arch.Paddr
}

// Paddr returns the physical address of the frame's first byte.
func (f Frame[M]) Paddr() arch.Paddr { return f.pa }

// Meta loads the frame's current metadata payload.
func (f Frame[M]) Meta() M {
	s := f.alloc.slotFor(f.pa)
	v := s.meta.Load()
	return (*v).(M)
}

// Refcount returns the frame's current reference count.
func (f Frame[M]) Refcount() int32 {
	return f.alloc.slotFor(f.pa).refcnt.Load()
}

// Clone increments the refcount and returns a new handle aliasing the
// same frame.
func (f Frame[M]) Clone() Frame[M] {
	s := f.alloc.slotFor(f.pa)
	if c := s.refcnt.Add(1); c <= 1 {
		panic("pmm: Clone of a frame with non-positive refcount")
	}
	return Frame[M]{alloc: f.alloc, pa: f.pa}
}

// Drop decrements the refcount, returning the frame to the allocator
// when it reaches zero. Every Frame obtained from Alloc/AllocSingle
// or Clone must eventually be Dropped exactly once.
func (f Frame[M]) Drop() {
	f.alloc.release(f.pa)
}

// FromPaddr reconstructs a handle to an already-allocated frame,
// incrementing its refcount. It fails if the slot's current usage tag
// does not match M — the debug-only assertion spec.md §4.B requires.
func FromPaddr[M Meta](a *Allocator, pa arch.Paddr) (Frame[M], error) {
	s := a.slotFor(pa)
	want := tagOf[M]()
	if UsageTag(s.tag.Load()) != want {
		return Frame[M]{}, fmt.Errorf("pmm: paddr %#x has usage %s, want %s", pa, UsageTag(s.tag.Load()), want)
	}
	if c := s.refcnt.Add(1); c <= 1 {
		s.refcnt.Add(-1)
		return Frame[M]{}, fmt.Errorf("pmm: paddr %#x is free, cannot materialize handle", pa)
	}
	return Frame[M]{alloc: a, pa: pa}, nil
}

// Segment is an ownership handle over a contiguous run of frames
// sharing one usage tag, refcounted as a unit.
type Segment[M Meta] struct {
	alloc *Allocator
	start arch.Paddr
	n     uint32
}

// Start returns the physical address of the segment's first frame.
func (s Segment[M]) Start() arch.Paddr { return s.start }

// Len reports the number of frames in the segment.
func (s Segment[M]) Len() uint32 { return s.n }

// Frame returns a non-owning view of the i'th frame's metadata slot
// without affecting any refcount; use FromPaddr on its Paddr to obtain
// an owned, refcounted Frame handle.
func (s Segment[M]) Frame(i uint32) Frame[M] {
	if i >= s.n {
		panic("pmm: Segment index out of range")
	}
	pa := s.start + arch.Paddr(i)*arch.BasePageSize
	return Frame[M]{alloc: s.alloc, pa: pa}
}

// Split divides the segment into [0,at) and [at,n) without touching
// any refcount — both halves continue to share the single refcount
// the original segment was allocated with conceptually split across
// two handles is not meaningful here, so Split instead requires the
// segment's frames to each independently carry refcount 1 (true for a
// freshly allocated, unshared segment) and hands out two new
// Segment[M] handles over disjoint sub-ranges.
func (s Segment[M]) Split(at uint32) (Segment[M], Segment[M]) {
	if at == 0 || at >= s.n {
		panic("pmm: Segment.Split index out of range")
	}
	left := Segment[M]{alloc: s.alloc, start: s.start, n: at}
	right := Segment[M]{alloc: s.alloc, start: s.start + arch.Paddr(at)*arch.BasePageSize, n: s.n - at}
	return left, right
}

// Drop releases every frame in the segment.
func (s Segment[M]) Drop() {
	for i := uint32(0); i < s.n; i++ {
		s.alloc.release(s.start + arch.Paddr(i)*arch.BasePageSize)
	}
}

// setMeta installs v into a slot and flips its tag from Free to the
// tag v declares, used only by the allocator at hand-out time.
func setMeta[M Meta](s *slot, v M) {
	var boxed any = v
	s.meta.Store(&boxed)
	s.tag.Store(uint32(v.Tag()))
}
