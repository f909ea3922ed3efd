package boot

import (
	"testing"

	"ostd/arch"
)

func TestParseBootInfoMergesMemoryMapAndCommandLine(t *testing.T) {
	acpi := arch.Paddr(0x000e0000)
	src := RawSource{
		BootLoaderName: "test-loader",
		CommandLine:    []byte("console=ttyS0 quiet\x00\x00\x00"),
		MemoryMap: []RawMemoryMapEntry{
			{PhysAddr: 0, Length: 0x9_0000, Type: RawUsable},
			{PhysAddr: 0x9_0000, Length: 0x1000, Type: RawReserved},
			{PhysAddr: 0x10_0000, Length: 0x0f00_0000, Type: RawUsable},
		},
		AcpiRsdp: &acpi,
	}

	info, err := ParseBootInfo(src)
	if err != nil {
		t.Fatalf("ParseBootInfo: %v", err)
	}
	if info.CommandLine != "console=ttyS0 quiet" {
		t.Fatalf("CommandLine = %q, want %q", info.CommandLine, "console=ttyS0 quiet")
	}
	if info.BootLoaderName != "test-loader" {
		t.Fatalf("BootLoaderName = %q", info.BootLoaderName)
	}
	if info.AcpiRsdp == nil || *info.AcpiRsdp != acpi {
		t.Fatalf("AcpiRsdp = %v, want %#x", info.AcpiRsdp, acpi)
	}
	if len(info.MemoryRegions) != 3 {
		t.Fatalf("MemoryRegions has %d entries, want 3", len(info.MemoryRegions))
	}
	if got := info.MemoryRegions.UsableBytes(); got != 0x9_0000+0x0f00_0000 {
		t.Fatalf("UsableBytes = %#x, want %#x", got, 0x9_0000+0x0f00_0000)
	}
}

func TestParseBootInfoMissingAcpiIsNotProvided(t *testing.T) {
	src := RawSource{
		BootLoaderName: "test-loader",
		CommandLine:    []byte("quiet"),
		MemoryMap:      []RawMemoryMapEntry{{PhysAddr: 0, Length: 0x1000, Type: RawUsable}},
	}
	info, err := ParseBootInfo(src)
	if err != nil {
		t.Fatalf("ParseBootInfo: %v", err)
	}
	if info.AcpiRsdp != nil {
		t.Fatalf("AcpiRsdp = %v, want nil (not provided)", info.AcpiRsdp)
	}
	if info.Initramfs != nil {
		t.Fatalf("Initramfs = %v, want nil", info.Initramfs)
	}
}

func TestParseBootInfoRejectsOverlappingRegions(t *testing.T) {
	src := RawSource{
		MemoryMap: []RawMemoryMapEntry{
			{PhysAddr: 0, Length: 0x2000, Type: RawUsable},
			{PhysAddr: 0x1000, Length: 0x2000, Type: RawReserved},
		},
	}
	if _, err := ParseBootInfo(src); err == nil {
		t.Fatalf("ParseBootInfo should reject overlapping regions")
	}
}

func TestParseBootInfoRejectsOverflowingRegion(t *testing.T) {
	src := RawSource{
		MemoryMap: []RawMemoryMapEntry{
			{PhysAddr: ^uint64(0) - 0x1000, Length: 0x2000, Type: RawUsable},
		},
	}
	if _, err := ParseBootInfo(src); err == nil {
		t.Fatalf("ParseBootInfo should reject a region whose end overflows the address space")
	}
}

func TestParseBootInfoRejectsEmptyMemoryMap(t *testing.T) {
	src := RawSource{CommandLine: []byte("quiet")}
	if _, err := ParseBootInfo(src); err == nil {
		t.Fatalf("ParseBootInfo should reject an empty memory map")
	}
}

func TestParseBootInfoRejectsInvalidUTF8CommandLine(t *testing.T) {
	src := RawSource{
		MemoryMap:   []RawMemoryMapEntry{{PhysAddr: 0, Length: 0x1000, Type: RawUsable}},
		CommandLine: []byte{0xff, 0xfe, 0xfd},
	}
	if _, err := ParseBootInfo(src); err == nil {
		t.Fatalf("ParseBootInfo should reject a non-UTF-8 command line")
	}
}

func TestMemoryRegionArrayTagsSurviveMapping(t *testing.T) {
	src := RawSource{
		MemoryMap: []RawMemoryMapEntry{
			{PhysAddr: 0, Length: 0x1000, Type: RawKernel},
			{PhysAddr: 0x1000, Length: 0x1000, Type: RawModule},
			{PhysAddr: 0x2000, Length: 0x1000, Type: RawAcpiReclaimable},
			{PhysAddr: 0x3000, Length: 0x1000, Type: RawNvs},
			{PhysAddr: 0x4000, Length: 0x1000, Type: RawBadMemory},
		},
	}
	info, err := ParseBootInfo(src)
	if err != nil {
		t.Fatalf("ParseBootInfo: %v", err)
	}
	want := []RegionTag{Kernel, Module, Acpi, Nvs, BadMemory}
	for i, r := range info.MemoryRegions {
		if r.Tag != want[i] {
			t.Fatalf("region %d tag = %v, want %v", i, r.Tag, want[i])
		}
	}
}

func TestValidatePanicsOnNarrowAddressWidth(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Validate should panic on insufficient address width")
		}
	}()
	Validate(DetectedFeatures{AddressWidthBits: 32}, Required{MinAddressWidthBits: 48})
}

func TestValidatePanicsOnMissingISAExtension(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Validate should panic on a missing required ISA extension")
		}
	}()
	Validate(
		DetectedFeatures{AddressWidthBits: 48, ISAExtensions: map[string]bool{"sse2": true}},
		Required{MinAddressWidthBits: 48, ISAExtensions: []string{"sse2", "nx"}},
	)
}

func TestValidateAcceptsSatisfiedFeatures(t *testing.T) {
	Validate(
		DetectedFeatures{AddressWidthBits: 48, ISAExtensions: map[string]bool{"sse2": true, "nx": true}},
		Required{MinAddressWidthBits: 48, ISAExtensions: []string{"sse2", "nx"}},
	)
}
