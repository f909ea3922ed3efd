// Package vmm implements spec.md §4.C: a cursor-based page table API,
// the kernel linear-map fault fixup, and VmSpace activation with a
// per-space, mutex-guarded set of active CPUs for TLB shootdown. It is the Go analogue of
// the teacher's vm.Vm_t/Pmap_t pair, reworked around mem/pmm's typed,
// refcounted Frame handles instead of biscuit's Pa_t-indexed
// Physpg_t array, and around gopher-os's level-aware cursor walk
// instead of biscuit's single Pmap() flattening helper.
package vmm

import (
	"fmt"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/mem/pmm"
)

// entriesPerTable is the number of PTE slots in one page-table frame:
// one BasePageSize page of 8-byte entries.
const entriesPerTable = arch.BasePageSize / 8

// PageTableMeta tags the frames backing intermediate and root
// page-table levels (spec.md §3's usage tag "PageTable"). Every
// PageTable frame's refcount is exactly 1 for as long as it is
// attached to a parent (spec.md §4.C's invariant): detaching a
// sub-tree transfers that single reference wholesale rather than
// bumping a separate counter.
type PageTableMeta struct{}

func (PageTableMeta) Tag() pmm.UsageTag { return pmm.PageTableUsage }

// PageTable owns one root-level page table frame and the Allocator it
// draws intermediate-level frames from.
type PageTable struct {
	alloc *pmm.Allocator
	root  pmm.Frame[PageTableMeta]
}

// NewPageTable allocates a fresh, zeroed root table.
func NewPageTable(alloc *pmm.Allocator) (*PageTable, error) {
	root, err := pmm.AllocSingle(alloc, pmm.DefaultAllocOptions(), PageTableMeta{})
	if err != nil {
		return nil, fmt.Errorf("vmm: allocating root page table: %w", err)
	}
	return &PageTable{alloc: alloc, root: root}, nil
}

// RootPaddr returns the physical address written to the hardware
// address-space register on activation.
func (pt *PageTable) RootPaddr() arch.Paddr { return pt.root.Paddr() }

func (pt *PageTable) tableBytes(pa arch.Paddr) []byte {
	return pt.alloc.Bytes(pa, arch.BasePageSize)
}

func (pt *PageTable) readEntry(tablePa arch.Paddr, index int) arch.PTE {
	return hosted.ReadOnce[arch.PTE](pt.tableBytes(tablePa), index*8)
}

func (pt *PageTable) writeEntry(tablePa arch.Paddr, index int, pte arch.PTE) {
	hosted.WriteOnce[arch.PTE](pt.tableBytes(tablePa), index*8, pte)
}

// levelShift returns the bit shift locating level's index field in a
// virtual address; level 0 is the leaf (4 KiB page) level, level
// NRLevels-1 is the root.
func levelShift(level int) uint {
	return 12 + 9*uint(level)
}

func levelIndex(va arch.Vaddr, level int) int {
	return int((uintptr(va) >> levelShift(level)) & 0x1ff)
}

// allocChildTable allocates a new zeroed intermediate table and
// installs a non-last PTE for it at tablePa[index].
func (pt *PageTable) allocChildTable(tablePa arch.Paddr, index int) (arch.Paddr, error) {
	child, err := pmm.AllocSingle(pt.alloc, pmm.DefaultAllocOptions(), PageTableMeta{})
	if err != nil {
		return 0, fmt.Errorf("vmm: allocating intermediate page table: %w", err)
	}
	pt.writeEntry(tablePa, index, arch.NewPTPTE(child.Paddr()))
	return child.Paddr(), nil
}

// tableEmpty reports whether every entry of the table at pa is
// not-present, used to decide whether an unmap should collapse the
// table and return it to the allocator.
func (pt *PageTable) tableEmpty(pa arch.Paddr) bool {
	for i := 0; i < entriesPerTable; i++ {
		if pt.readEntry(pa, i).IsPresent() {
			return false
		}
	}
	return true
}

func (pt *PageTable) freeTable(pa arch.Paddr) {
	f, err := pmm.FromPaddr[PageTableMeta](pt.alloc, pa)
	if err != nil {
		panic(fmt.Sprintf("vmm: freeing table at %#x: %v", pa, err))
	}
	f.Drop() // releases FromPaddr's own increment
	f.Drop() // releases the implicit reference the tree held via the parent PTE
}
