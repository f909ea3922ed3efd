package boot

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"ostd/arch"
	"ostd/kerrors"
)

// ByteRange is a [Start, Start+Size) physical address range, used for
// the optional initramfs location.
type ByteRange struct {
	Start arch.Paddr
	Size  uint64
}

// FramebufferInfo describes a firmware-initialized linear framebuffer,
// when one is present (spec.md §4.J's "optional framebuffer
// descriptor"). Shape mirrors the multiboot2 framebuffer tag.
type FramebufferInfo struct {
	PhysAddr      arch.Paddr
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

// EarlyBootInfo is the canonical, platform-independent result of
// parsing whatever blob the bootloader or firmware handed the kernel
// (spec.md §4.J): multiboot2 info and linux-boot-params on x86, a
// hart id plus device-tree blob on RISC-V, or an EFI system table plus
// command-line pointer on LoongArch. Every arch-specific parser in
// this package converges on this one struct.
type EarlyBootInfo struct {
	BootLoaderName string
	CommandLine    string

	// Initramfs is nil when no module was loaded.
	Initramfs *ByteRange

	// AcpiRsdp is nil when firmware provided no ACPI root pointer
	// (spec.md §4.J's "ACPI root pointer or 'not provided'").
	AcpiRsdp *arch.Paddr

	// Framebuffer is nil when firmware initialized no framebuffer.
	Framebuffer *FramebufferInfo

	MemoryRegions MemoryRegionArray
}

// RawMemoryType is the entry-type enumeration a platform-specific
// parser maps its native memory-map entry type to, before
// newMemoryRegionArray builds the canonical array. The split exists so
// every arch's raw source format (multiboot2 tags, e820 types, a
// device-tree reg/status pair) funnels through one table instead of
// each arch inventing its own RegionTag mapping.
type RawMemoryType uint32

const (
	RawUsable RawMemoryType = iota + 1
	RawReserved
	RawAcpiReclaimable
	RawNvs
	RawBadMemory
	RawModule
	RawKernel
)

func (t RawMemoryType) tag() RegionTag {
	switch t {
	case RawUsable:
		return Usable
	case RawAcpiReclaimable:
		return Acpi
	case RawNvs:
		return Nvs
	case RawBadMemory:
		return BadMemory
	case RawModule:
		return Module
	case RawKernel:
		return Kernel
	default:
		return Reserved
	}
}

// RawMemoryMapEntry is one entry of a platform's native memory map,
// already extracted from its wire format (the multiboot2 tag walk,
// the e820 table, or a device-tree reg property) by the caller — this
// package's job starts at validating and merging, not at the
// arch-specific unsafe-pointer decode.
type RawMemoryMapEntry struct {
	PhysAddr uint64
	Length   uint64
	Type     RawMemoryType
}

// RawSource bundles everything a platform-specific entry path has
// already extracted from firmware before handing it to ParseBootInfo.
type RawSource struct {
	BootLoaderName string
	CommandLine    []byte
	MemoryMap      []RawMemoryMapEntry
	Initramfs      *ByteRange
	AcpiRsdp       *arch.Paddr
	Framebuffer    *FramebufferInfo
}

// ParseBootInfo validates and merges a raw platform source into an
// EarlyBootInfo. The memory map and command line are independent of
// each other, so they're validated concurrently with errgroup — the
// same pattern mem/heap's rescue path uses singleflight for, applied
// here to fan two unrelated parses out instead of coalescing one.
func ParseBootInfo(src RawSource) (*EarlyBootInfo, error) {
	var (
		regions MemoryRegionArray
		cmdline string
	)

	var g errgroup.Group
	g.Go(func() error {
		r, err := parseMemoryMap(src.MemoryMap)
		if err != nil {
			return err
		}
		regions = r
		return nil
	})
	g.Go(func() error {
		c, err := parseCommandLine(src.CommandLine)
		if err != nil {
			return err
		}
		cmdline = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &EarlyBootInfo{
		BootLoaderName: src.BootLoaderName,
		CommandLine:    cmdline,
		Initramfs:      src.Initramfs,
		AcpiRsdp:       src.AcpiRsdp,
		Framebuffer:    src.Framebuffer,
		MemoryRegions:  regions,
	}, nil
}

func parseMemoryMap(raw []RawMemoryMapEntry) (MemoryRegionArray, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("boot: empty memory map: %w", kerrors.InvalidArgs)
	}
	regions := make([]MemoryRegion, len(raw))
	for i, e := range raw {
		regions[i] = MemoryRegion{Start: arch.Paddr(e.PhysAddr), Size: e.Length, Tag: e.Type.tag()}
	}
	return newMemoryRegionArray(regions)
}

// parseCommandLine trims the NUL terminator platform sources commonly
// carry and rejects anything that isn't valid UTF-8 text, matching
// spec.md §4.J's "kernel command line (string)".
func parseCommandLine(raw []byte) (string, error) {
	for i, b := range raw {
		if b == 0 {
			raw = raw[:i]
			break
		}
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("boot: command line is not valid UTF-8: %w", kerrors.InvalidArgs)
	}
	return string(raw), nil
}
