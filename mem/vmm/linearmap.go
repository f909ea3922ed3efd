package vmm

import (
	"fmt"

	"ostd/arch"
	"ostd/util"
)

// LinearMapBase and LinearMapSize bound the kernel's direct physical
// map (spec.md §6's LINEAR_MAPPING_VADDR_RANGE): every physical
// address pa is reachable at LinearMapBase+pa. trap duplicates these
// two constants privately rather than importing this package, keeping
// the dependency one-way (mem/vmm -> trap via a registered callback,
// never the reverse).
const (
	LinearMapBase = arch.Vaddr(0xffff_8880_0000_0000)
	LinearMapSize = arch.Vaddr(1) << 46 // 64 TiB, generous for a hosted model
)

// LinearMapFixup installs demand-paged mappings for the kernel's
// direct physical map on first touch, standing in for the teacher's
// eager Dmap_init: rather than mapping all of physical memory up
// front, a fault in the range is fixed up by mapping exactly the
// faulting page, present/read/write/global, pointing straight at
// FaultAddr - LinearMapBase (spec.md §4.C's "kernel linear-map fault
// fixup").
type LinearMapFixup struct {
	pt *PageTable
}

// NewLinearMapFixup wraps pt, the page table the linear map lives in.
// Register its Handle method with trap.Table.SetKernelPageFaultHandler.
func NewLinearMapFixup(pt *PageTable) *LinearMapFixup {
	return &LinearMapFixup{pt: pt}
}

// Handle installs the missing mapping for tf.FaultAddr. It is only
// ever invoked for faults trap.Table has already confirmed fall in
// the linear-map range and originate from kernel mode.
func (lm *LinearMapFixup) Handle(tf *arch.TrapFrame) error {
	aligned := util.Rounddown(tf.FaultAddr, arch.Vaddr(arch.BasePageSize))
	paddr := arch.Paddr(aligned - LinearMapBase)

	c, err := lm.pt.Open(aligned, aligned+arch.BasePageSize)
	if err != nil {
		return fmt.Errorf("vmm: opening cursor for linear-map fault at %#x: %w", tf.FaultAddr, err)
	}
	prop := arch.PageProp{Flags: arch.FlagRead | arch.FlagWrite | arch.FlagGlobal, Cache: arch.Writeback}
	if err := c.Map(paddr, prop); err != nil {
		if inst, ok := arch.DecodeFaultingInstruction(tf); ok {
			return fmt.Errorf("vmm: mapping linear-map page for fault at %#x (%s): %w", tf.FaultAddr, inst, err)
		}
		return fmt.Errorf("vmm: mapping linear-map page for fault at %#x: %w", tf.FaultAddr, err)
	}
	return nil
}
