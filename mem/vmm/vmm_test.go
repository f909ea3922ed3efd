package vmm

import (
	"testing"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/cpulocal"
	"ostd/mem/pmm"
	"ostd/softirq"
	"ostd/trap"
)

func newTestAllocator(t *testing.T, nframes uint32) *pmm.Allocator {
	t.Helper()
	mem, err := hosted.NewPhysMem(0, int(nframes)*arch.BasePageSize)
	if err != nil {
		t.Fatalf("NewPhysMem: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	a, err := pmm.New(mem, 0, nframes, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func pinned(t *testing.T, b *hosted.Backend, id arch.HwCpuId) func() {
	t.Helper()
	unpin, err := b.PinCurrentCPU(id)
	if err != nil {
		t.Fatalf("PinCurrentCPU(%d): %v", id, err)
	}
	return unpin
}

func TestMapQueryUnmapRoundTrip(t *testing.T) {
	alloc := newTestAllocator(t, 256)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}

	const va = arch.Vaddr(0x4000_0000)
	c, err := pt.Open(va, va+arch.BasePageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	prop := arch.PageProp{Flags: arch.FlagRead | arch.FlagWrite}
	if err := c.Map(arch.Paddr(0x1000), prop); err != nil {
		t.Fatalf("Map: %v", err)
	}

	res, ok, err := c.Query()
	if err != nil || !ok {
		t.Fatalf("Query after Map: res=%+v ok=%v err=%v", res, ok, err)
	}
	if res.Paddr != 0x1000 {
		t.Fatalf("Query paddr = %#x, want 0x1000", res.Paddr)
	}

	if err := c.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok, err := c.Query(); err != nil || ok {
		t.Fatalf("Query after Unmap: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestProtectRewritesPermsOnly(t *testing.T) {
	alloc := newTestAllocator(t, 256)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	const va = arch.Vaddr(0x5000_0000)
	c, err := pt.Open(va, va+arch.BasePageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Map(arch.Paddr(0x2000), arch.PageProp{Flags: arch.FlagRead | arch.FlagWrite}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := c.Protect(arch.PageProp{Flags: arch.FlagRead}); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	res, ok, err := c.Query()
	if err != nil || !ok {
		t.Fatalf("Query: res=%+v ok=%v err=%v", res, ok, err)
	}
	if res.Paddr != 0x2000 {
		t.Fatalf("Protect disturbed paddr: got %#x, want 0x2000", res.Paddr)
	}
	if res.Prop.Flags&arch.FlagWrite != 0 {
		t.Fatalf("Protect did not drop write permission: %v", res.Prop.Flags)
	}
}

func TestProtectUnmappedFails(t *testing.T) {
	alloc := newTestAllocator(t, 64)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	const va = arch.Vaddr(0x6000_0000)
	c, err := pt.Open(va, va+arch.BasePageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Protect(arch.PageProp{Flags: arch.FlagRead}); err == nil {
		t.Fatalf("Protect on an unmapped page should fail")
	}
}

func TestUnmapCollapsesEmptyIntermediateTables(t *testing.T) {
	alloc := newTestAllocator(t, 256)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	const va = arch.Vaddr(0x7000_0000)
	c, err := pt.Open(va, va+arch.BasePageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Map(arch.Paddr(0x3000), arch.PageProp{Flags: arch.FlagRead}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	rootIdx := levelIndex(va, arch.NRLevels-1)
	if !pt.readEntry(pt.RootPaddr(), rootIdx).IsPresent() {
		t.Fatalf("root slot for va not installed after Map")
	}

	if err := c.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if pt.readEntry(pt.RootPaddr(), rootIdx).IsPresent() {
		t.Fatalf("Unmap should have collapsed the now-empty top-level table")
	}
}

// TestKernelLinearMapFaultFixup exercises the S2-style scenario: a
// kernel-mode access into the linear map with no mapping yet installed
// takes the page-fault path and trap.Table's dispatcher fixes it up
// via the registered handler instead of panicking.
func TestKernelLinearMapFaultFixup(t *testing.T) {
	alloc := newTestAllocator(t, 256)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	fixup := NewLinearMapFixup(pt)

	b := hosted.New(1)
	rt := cpulocal.New(b)
	sd := softirq.NewDomain(rt)
	tbl := trap.NewTable(rt, sd)
	tbl.SetKernelPageFaultHandler(fixup.Handle)

	const offset = arch.Vaddr(0x10_0000)
	faultVA := LinearMapBase + offset

	tbl.Dispatch(&arch.TrapFrame{
		TrapNum:      14,
		FaultAddr:    faultVA,
		FromUserMode: false,
	})

	c, err := pt.Open(faultVA, faultVA+arch.BasePageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	res, ok, err := c.Query()
	if err != nil || !ok {
		t.Fatalf("linear-map fault did not install a mapping: ok=%v err=%v", ok, err)
	}
	if res.Paddr != arch.Paddr(offset) {
		t.Fatalf("fixed-up mapping paddr = %#x, want %#x", res.Paddr, offset)
	}
}

// TestTwoCPUActivationShootsDownOtherCPU exercises the S6-style
// scenario: one space active on two CPUs, an unmap on one CPU must
// reach the other via a TLB shootdown IPI.
func TestTwoCPUActivationShootsDownOtherCPU(t *testing.T) {
	alloc := newTestAllocator(t, 256)
	b := hosted.New(2)
	rt := cpulocal.New(b)
	hub := NewShootdownHub(b)

	vs, err := NewVmSpace(rt, alloc, hub)
	if err != nil {
		t.Fatalf("NewVmSpace: %v", err)
	}

	const va = arch.Vaddr(0x8000_0000)
	c, err := vs.OpenCursor(va, va+arch.BasePageSize)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := c.Map(arch.Paddr(0x4000), arch.PageProp{Flags: arch.FlagRead | arch.FlagWrite}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	vs.Activate(0)
	vs.Activate(1)

	unpin := pinned(t, b, 0)
	defer unpin()

	if err := vs.UnmapRange(va, va+arch.BasePageSize); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}

	if got := hub.Applied(); got != 1 {
		t.Fatalf("shootdown IPIs delivered = %d, want 1 (CPU 1 only, not self)", got)
	}
}
