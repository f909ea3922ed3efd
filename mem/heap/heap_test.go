package heap

import (
	"testing"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/cpulocal"
	"ostd/mem/pmm"
)

func newTestHeap(t *testing.T, nframes uint32) (*hosted.Backend, *Heap) {
	t.Helper()
	mem, err := hosted.NewPhysMem(0, int(nframes)*arch.BasePageSize)
	if err != nil {
		t.Fatalf("NewPhysMem: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	alloc, err := pmm.New(mem, 0, nframes, 4)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	b := hosted.New(4)
	rt := cpulocal.New(b)
	return b, NewHeap(rt, alloc)
}

func pinned(t *testing.T, b *hosted.Backend, cpu arch.HwCpuId) func() {
	t.Helper()
	unpin, err := b.PinCurrentCPU(cpu)
	if err != nil {
		t.Fatalf("PinCurrentCPU(%d): %v", cpu, err)
	}
	return unpin
}

func TestSlabAllocDistinctAddresses(t *testing.T) {
	b, h := newTestHeap(t, 64)
	defer pinned(t, b, 0)()

	seen := make(map[arch.Paddr]bool)
	for i := 0; i < 200; i++ {
		pa, err := h.Alloc(32, 8)
		if err != nil {
			t.Fatalf("Alloc(32,8) #%d: %v", i, err)
		}
		if seen[pa] {
			t.Fatalf("Alloc returned duplicate address %#x", pa)
		}
		seen[pa] = true
	}
}

func TestSlabFreeAllowsReuse(t *testing.T) {
	b, h := newTestHeap(t, 64)
	defer pinned(t, b, 0)()

	pa, err := h.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h.Free(pa, 16, 8)

	pa2, err := h.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if pa2 != pa {
		t.Fatalf("Alloc after Free returned %#x, want reused slot %#x", pa2, pa)
	}
}

func TestSlabFreeOfFullSlabMakesRoomForNewAlloc(t *testing.T) {
	b, h := newTestHeap(t, 64)
	defer pinned(t, b, 0)()

	const class = 2048 // 2 slots per 4 KiB page
	var addrs []arch.Paddr
	for i := 0; i < 2; i++ {
		pa, err := h.Alloc(class, 8)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		addrs = append(addrs, pa)
	}
	h.Free(addrs[0], class, 8)
	pa, err := h.Alloc(class, 8)
	if err != nil {
		t.Fatalf("Alloc after freeing from a full slab: %v", err)
	}
	if pa != addrs[0] {
		t.Fatalf("Alloc did not reuse the freed slot: got %#x, want %#x", pa, addrs[0])
	}
}

func TestBuddyAllocMultiPageAndFree(t *testing.T) {
	b, h := newTestHeap(t, 64)
	defer pinned(t, b, 0)()

	const size = 4 * arch.BasePageSize // order 2, above the slab bank's top class
	pa, err := h.Alloc(size, arch.BasePageSize)
	if err != nil {
		t.Fatalf("Alloc(%d): %v", size, err)
	}
	if pa%arch.BasePageSize != 0 {
		t.Fatalf("multi-page allocation %#x is not page-aligned", pa)
	}
	h.Free(pa, size, arch.BasePageSize)

	pa2, err := h.Alloc(size, arch.BasePageSize)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if pa2 != pa {
		t.Fatalf("buddy Alloc after Free did not reuse the merged block: got %#x, want %#x", pa2, pa)
	}
}

func TestBuddyRescueGrowsArenaOnExhaustion(t *testing.T) {
	// A tiny arena: the buddy has nothing donated yet, so the very
	// first multi-page request must take the rescue path.
	b, h := newTestHeap(t, 4)
	defer pinned(t, b, 0)()

	if _, err := h.Alloc(2*arch.BasePageSize, arch.BasePageSize); err != nil {
		t.Fatalf("Alloc should succeed via rescue growth: %v", err)
	}
}

func TestAllocRejectsNonPowerOfTwoAlign(t *testing.T) {
	b, h := newTestHeap(t, 16)
	defer pinned(t, b, 0)()

	if _, err := h.Alloc(32, 3); err == nil {
		t.Fatalf("Alloc should reject a non-power-of-two alignment")
	}
}
