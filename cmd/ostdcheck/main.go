// Command ostdcheck is not a bootable kernel (this repository has no
// freestanding backend, see SPEC_FULL.md §0): it wires every package
// together against the hosted Arch HAL and runs a short smoke
// sequence through boot parsing, frame allocation, paging, the heap,
// scheduling, timers, softirqs, and IPI-driven TLB shootdown — a
// runnable analogue of gopher-os's kmain.Kmain, minus the rt0
// assembly and the expectation that it never returns.
package main

import (
	"time"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/boot"
	"ostd/cpulocal"
	"ostd/ipi"
	"ostd/klog"
	"ostd/mem/heap"
	"ostd/mem/pmm"
	"ostd/mem/vmm"
	"ostd/sched"
	"ostd/softirq"
	"ostd/timer"
	"ostd/trap"
)

const numCPU = 2
const arenaFrames = 4096 // 16 MiB of simulated physical RAM

func main() {
	info := parseSyntheticBootInfo()
	klog.Init("boot", "loader=%q cmdline=%q regions=%d usable=%dMiB",
		info.BootLoaderName, info.CommandLine, len(info.MemoryRegions), info.MemoryRegions.UsableBytes()>>20)

	boot.Validate(
		boot.DetectedFeatures{AddressWidthBits: 48, ISAExtensions: map[string]bool{"sse2": true, "nx": true}},
		boot.Required{MinAddressWidthBits: 48, ISAExtensions: []string{"sse2", "nx"}},
	)

	mem, err := hosted.NewPhysMem(0, arenaFrames*arch.BasePageSize)
	if err != nil {
		klog.Fatal("reserving simulated physical RAM: %v", err)
	}
	defer mem.Close()

	alloc, err := pmm.New(mem, 0, arenaFrames, numCPU)
	if err != nil {
		klog.Fatal("initializing frame allocator: %v", err)
	}
	klog.Init("pmm", "%d frames free of %d", alloc.FreeFrames(), alloc.TotalFrames())

	b := hosted.New(numCPU)
	rt := cpulocal.New(b)
	unpin, err := b.PinCurrentCPU(0)
	if err != nil {
		klog.Fatal("pinning boot CPU: %v", err)
	}
	defer unpin()

	sd := softirq.NewDomain(rt)
	tt := trap.NewTable(rt, sd)

	linearPT, err := vmm.NewPageTable(alloc)
	if err != nil {
		klog.Fatal("building linear-map page table: %v", err)
	}
	fixup := vmm.NewLinearMapFixup(linearPT)
	tt.SetKernelPageFaultHandler(fixup.Handle)
	klog.Init("vmm", "linear-map fixup installed at %#x", vmm.LinearMapBase)

	hub := vmm.NewShootdownHub(b)
	vs, err := vmm.NewVmSpace(rt, alloc, hub)
	if err != nil {
		klog.Fatal("creating address space: %v", err)
	}
	const demoVA = arch.Vaddr(0x4000_0000)
	cur, err := vs.OpenCursor(demoVA, demoVA+arch.BasePageSize)
	if err != nil {
		klog.Fatal("opening cursor: %v", err)
	}
	frame, err := pmm.AllocSingle(alloc, pmm.DefaultAllocOptions(), pmm.UntypedMeta{})
	if err != nil {
		klog.Fatal("allocating demo page: %v", err)
	}
	if err := cur.Map(frame.Paddr(), arch.PageProp{Flags: arch.FlagRead | arch.FlagWrite, Cache: arch.Writeback}); err != nil {
		klog.Fatal("mapping demo page: %v", err)
	}
	vs.Activate(0)
	klog.Init("vmm", "mapped %#x -> %#x in address space rooted at %#x", demoVA, frame.Paddr(), vs.RootPaddr())

	h := heap.NewHeap(rt, alloc)
	objPA, err := h.Alloc(64, 8)
	if err != nil {
		klog.Fatal("heap allocation: %v", err)
	}
	klog.Init("heap", "allocated 64-byte object at %#x", objPA)
	h.Free(objPA, 64, 8)

	gs := sched.NewGlobalScheduler(rt)
	gs.SetScheduler(sched.NewFIFOScheduler(10))
	proc := sched.NewProcessor(gs, rt, 0)

	task, err := sched.NewBuilder(func(t *sched.Task) {
		klog.Init("sched", "task %d running", t.ID())
	}).Build(alloc)
	if err != nil {
		klog.Fatal("building task: %v", err)
	}

	stop := make(chan struct{})
	go proc.Run(stop)
	task.Run(gs)

	waited := make(chan struct{})
	go func() { task.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(time.Second):
		klog.Fatal("demo task did not run within the smoke-test deadline")
	}
	close(stop)

	td := timer.NewDomain(rt)
	fired := make(chan struct{})
	td.AddTimeoutList(1, func() { close(fired) })
	td.Tick()
	<-fired
	klog.Init("timer", "tick %d fired the demo timeout", td.Now())

	const demoLine = 0
	bhDone := make(chan struct{})
	if err := sd.Enable(demoLine, func() { close(bhDone) }); err != nil {
		klog.Fatal("enabling softirq line: %v", err)
	}
	sd.Raise(demoLine)
	sd.RunBottomHalf(0)
	<-bhDone
	klog.Init("softirq", "line %d drained", demoLine)

	vs.Activate(1)
	vs.Flush()
	klog.Init("ipi", "shootdown vector %#x delivered %d time(s)", ipi.VectorTLBShootdown, hub.Applied())
}

// parseSyntheticBootInfo stands in for an arch-specific entry path
// that would have already extracted a raw memory map and command line
// from multiboot2/linux-boot-params/device-tree/EFI data; ostdcheck
// has no such platform source to read, so it builds one by hand.
func parseSyntheticBootInfo() *boot.EarlyBootInfo {
	src := boot.RawSource{
		BootLoaderName: "ostdcheck",
		CommandLine:    []byte("ostdcheck.smoke=1\x00"),
		MemoryMap: []boot.RawMemoryMapEntry{
			{PhysAddr: 0, Length: 0x9_0000, Type: boot.RawUsable},
			{PhysAddr: 0x9_0000, Length: 0x1000, Type: boot.RawReserved},
			{PhysAddr: 0x10_0000, Length: arenaFrames * arch.BasePageSize, Type: boot.RawUsable},
		},
	}
	info, err := boot.ParseBootInfo(src)
	if err != nil {
		klog.Fatal("parsing synthetic boot info: %v", err)
	}
	return info
}
