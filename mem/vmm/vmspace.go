package vmm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/cpulocal"
	"ostd/ipi"
	"ostd/mem/pmm"
)

// ShootdownHub is the single TLB-invalidation IPI handler shared by
// every VmSpace built against the same backend. Real hardware
// multiplexes one shootdown vector across every address space on a
// CPU by having the receiving handler flush its own TLB
// unconditionally; the hosted model has no TLB to flush, so the
// handler only counts deliveries, which tests use to confirm a
// shootdown reached its targets.
//
// Registration happens on the concrete *hosted.Backend rather than
// through arch.HAL, matching the rest of this module's convention
// (ipi.Send's own tests register handlers the same way): interrupt
// vector wiring is a one-time boot-time act on the backend, not part
// of the narrow per-call HAL surface.
type ShootdownHub struct {
	applied atomic.Uint64
}

// NewShootdownHub registers the shootdown IPI handler on b. Call once
// per backend, at boot, before any VmSpace activates.
func NewShootdownHub(b *hosted.Backend) *ShootdownHub {
	h := &ShootdownHub{}
	b.RegisterIPIHandler(ipi.VectorTLBShootdown, func(tf *arch.TrapFrame) {
		h.applied.Add(1)
	})
	return h
}

// Applied returns how many shootdown IPIs this hub has handled.
func (h *ShootdownHub) Applied() uint64 { return h.applied.Load() }

// VmSpace pairs a PageTable with the bookkeeping needed to activate it
// on a CPU's address-space register and to shoot down stale TLB
// entries on every other CPU it is active on (spec.md §4.C, §6's
// "own CPU set for TLB shootdown targeting"). It implements
// sched.AddressSpace.
type VmSpace struct {
	pt  *PageTable
	rt  *cpulocal.Runtime
	hub *ShootdownHub

	activeMu sync.RWMutex
	active   map[arch.HwCpuId]struct{}
}

// NewVmSpace allocates a fresh root table and wraps it in a VmSpace
// that shoots TLB invalidations through hub.
func NewVmSpace(rt *cpulocal.Runtime, alloc *pmm.Allocator, hub *ShootdownHub) (*VmSpace, error) {
	pt, err := NewPageTable(alloc)
	if err != nil {
		return nil, fmt.Errorf("vmm: creating address space: %w", err)
	}
	return &VmSpace{pt: pt, rt: rt, hub: hub, active: make(map[arch.HwCpuId]struct{})}, nil
}

// RootPaddr is the value a context switch writes to the hardware
// address-space register.
func (vs *VmSpace) RootPaddr() arch.Paddr { return vs.pt.RootPaddr() }

// ShootdownHub returns the hub this space's Flush calls send IPIs
// through, for callers that want to observe delivery counts.
func (vs *VmSpace) ShootdownHub() *ShootdownHub { return vs.hub }

// Activate records cpu as running with this space active, matching
// sched.AddressSpace. The actual hardware register write is the
// architecture-specific context-switch path's job; this bookkeeping is
// what later Flush calls use to target shootdown IPIs.
func (vs *VmSpace) Activate(cpu arch.HwCpuId) {
	vs.activeMu.Lock()
	vs.active[cpu] = struct{}{}
	vs.activeMu.Unlock()
}

// Deactivate removes cpu from the shootdown target set.
func (vs *VmSpace) Deactivate(cpu arch.HwCpuId) {
	vs.activeMu.Lock()
	delete(vs.active, cpu)
	vs.activeMu.Unlock()
}

// OpenCursor opens a cursor over [start, end) on this space's table.
func (vs *VmSpace) OpenCursor(start, end arch.Vaddr) (*Cursor, error) {
	return vs.pt.Open(start, end)
}

// Flush sends a TLB shootdown IPI to every CPU this space is active on
// other than the caller's own (a CPU never needs an IPI to invalidate
// its own TLB; it does that inline after the page-table edit).
func (vs *VmSpace) Flush() {
	self, pinned := vs.rt.HAL().CPUIDOfCurrent()
	vs.activeMu.RLock()
	targets := make([]arch.HwCpuId, 0, len(vs.active))
	for cpu := range vs.active {
		if pinned && cpu == self {
			continue
		}
		targets = append(targets, cpu)
	}
	vs.activeMu.RUnlock()
	for _, cpu := range targets {
		_ = ipi.Send(vs.rt, cpu, ipi.VectorTLBShootdown)
	}
}

// UnmapRange unmaps every base page in [start, end) and shoots down
// stale TLB entries on every other CPU this space is active on.
func (vs *VmSpace) UnmapRange(start, end arch.Vaddr) error {
	c, err := vs.pt.Open(start, end)
	if err != nil {
		return err
	}
	for va := start; va < end; va += arch.BasePageSize {
		if err := c.Jump(va); err != nil {
			return err
		}
		if err := c.Unmap(); err != nil {
			return err
		}
	}
	vs.Flush()
	return nil
}

// ProtectRange rewrites permissions on every base page in [start, end)
// and shoots down stale TLB entries elsewhere.
func (vs *VmSpace) ProtectRange(start, end arch.Vaddr, prop arch.PageProp) error {
	c, err := vs.pt.Open(start, end)
	if err != nil {
		return err
	}
	for va := start; va < end; va += arch.BasePageSize {
		if err := c.Jump(va); err != nil {
			return err
		}
		if err := c.Protect(prop); err != nil {
			return err
		}
	}
	vs.Flush()
	return nil
}
