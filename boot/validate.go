package boot

import "fmt"

// DetectedFeatures is whatever a platform-specific entry path learned
// about the running CPU before calling Validate — from CPUID on x86,
// from the device-tree "cpu" node's compatible/isa strings on RISC-V,
// or from CPUCFG on LoongArch. This package stays arch-agnostic: the
// entry path does the detection, Validate only compares it against
// what this kernel core requires.
type DetectedFeatures struct {
	AddressWidthBits int
	ISAExtensions    map[string]bool
}

// Required names the architecture-required features this kernel core
// depends on. Modeled on original_source's arch-specific cpu feature
// gates (e.g. LoongArch's required-ISA-extension check in
// kernel/src/arch/loongarch/cpu.rs): a short checklist evaluated once,
// at the very start of boot, before any other subsystem — mem/pmm,
// mem/vmm, trap, sched — is touched.
type Required struct {
	MinAddressWidthBits int
	ISAExtensions       []string
}

// Validate panics if detected does not satisfy required. Per spec.md
// §4.J this must run before any other subsystem is initialized, so a
// failure here is always fatal — there is no degraded mode for a
// missing required extension the way there is for an absent ACPI
// table (spec.md §6).
func Validate(detected DetectedFeatures, required Required) {
	if detected.AddressWidthBits < required.MinAddressWidthBits {
		panic(fmt.Sprintf("boot: CPU address width %d bits is below the required %d bits",
			detected.AddressWidthBits, required.MinAddressWidthBits))
	}
	for _, ext := range required.ISAExtensions {
		if !detected.ISAExtensions[ext] {
			panic(fmt.Sprintf("boot: required ISA extension %q is not present", ext))
		}
	}
}
