package hosted

import (
	"fmt"

	"golang.org/x/sys/unix"

	"ostd/arch"
)

// PhysMem is a flat, byte-addressable simulation of physical RAM,
// backed by an anonymous mmap arena the same way real physical memory
// is one flat address space that the kernel's direct/linear map
// exposes as a byte slice (biscuit's mem.Physmem_t.Dmap treats
// physical memory the same way, via the direct map rather than mmap).
type PhysMem struct {
	arena []byte
	base  arch.Paddr
}

// NewPhysMem reserves nbytes of simulated physical RAM, addressed
// starting at base.
func NewPhysMem(base arch.Paddr, nbytes int) (*PhysMem, error) {
	arena, err := unix.Mmap(-1, 0, nbytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hosted: mmap physical memory arena: %w", err)
	}
	return &PhysMem{arena: arena, base: base}, nil
}

// Close releases the backing mmap arena.
func (p *PhysMem) Close() error {
	return unix.Munmap(p.arena)
}

// Size reports the number of bytes of simulated RAM.
func (p *PhysMem) Size() int { return len(p.arena) }

// Base reports the lowest physical address backed by this arena.
func (p *PhysMem) Base() arch.Paddr { return p.base }

// Bytes returns the arena slice backing [paddr, paddr+n). It panics on
// an out-of-range request — callers are expected to have validated
// the range against the frame allocator's bookkeeping already.
func (p *PhysMem) Bytes(paddr arch.Paddr, n int) []byte {
	if paddr < p.base {
		panic(fmt.Sprintf("hosted: paddr %#x below arena base %#x", paddr, p.base))
	}
	off := int(paddr - p.base)
	if off < 0 || off+n > len(p.arena) {
		panic(fmt.Sprintf("hosted: range [%#x,%#x) outside arena of %d bytes", paddr, uint64(paddr)+uint64(n), len(p.arena)))
	}
	return p.arena[off : off+n]
}

// Unsigned is the set of integer types MMIO load/store may operate on.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// ReadOnce performs a single, non-torn load of an aligned value from
// an MMIO-style region, matching spec.md §4.A's read_once contract.
func ReadOnce[T Unsigned](region []byte, offset int) T {
	var v T
	size := int(sizeOf(v))
	if offset < 0 || offset%size != 0 || offset+size > len(region) {
		panic("hosted: misaligned or out-of-range MMIO read")
	}
	var acc uint64
	for i := size - 1; i >= 0; i-- {
		acc = acc<<8 | uint64(region[offset+i])
	}
	return T(acc)
}

// WriteOnce performs a single, non-torn store of an aligned value into
// an MMIO-style region, matching spec.md §4.A's write_once contract.
func WriteOnce[T Unsigned](region []byte, offset int, val T) {
	size := int(sizeOf(val))
	if offset < 0 || offset%size != 0 || offset+size > len(region) {
		panic("hosted: misaligned or out-of-range MMIO write")
	}
	acc := uint64(val)
	for i := 0; i < size; i++ {
		region[offset+i] = byte(acc)
		acc >>= 8
	}
}

func sizeOf[T Unsigned](v T) uintptr {
	var n uintptr
	for m := ^T(0); m != 0; m = m >> 4 >> 4 {
		n++
	}
	return n
}
