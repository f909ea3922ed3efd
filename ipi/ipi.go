// Package ipi is a thin, typed wrapper around arch.HAL's inter-processor
// interrupt primitive (spec.md §4.I): obtaining the current CPU's
// opaque hardware id only while pinned, and sending a directed IPI to
// another CPU's registered vector handler. TLB shootdown (mem/vmm) is
// built on these two calls.
package ipi

import (
	"fmt"

	"ostd/arch"
	"ostd/cpulocal"
)

// CurrentCPU returns the opaque hardware id of the CPU the calling
// goroutine is pinned to. It panics if called unpinned, since
// spec.md §9 treats "current CPU" as a capability only a pinning
// guard grants.
func CurrentCPU(rt *cpulocal.Runtime) arch.HwCpuId {
	id, ok := rt.HAL().CPUIDOfCurrent()
	if !ok {
		panic("ipi: CurrentCPU called without a CPU pin")
	}
	return id
}

// Send issues one directed IPI carrying vector to target. The caller
// must have registered a handler for vector on the HAL (e.g. via the
// hosted backend's RegisterIPIHandler) before calling this.
func Send(rt *cpulocal.Runtime, target arch.HwCpuId, vector uint8) error {
	if err := rt.HAL().SendIPI(target, vector); err != nil {
		return fmt.Errorf("ipi: send to cpu %d vector %d: %w", target, vector, err)
	}
	return nil
}

// Vector reservations used by this module's own subsystems, kept here
// so callers needing a stable, conflict-free vector number have one
// place to look (mirrors the teacher's habit of collecting small
// integer constants for a shared resource in the owning package).
const (
	// VectorTLBShootdown is the vector mem/vmm registers its
	// shootdown handler on.
	VectorTLBShootdown uint8 = 0xfd
	// VectorRCUQuiescence is reserved for an RCU quiescent-state
	// nudge; no package in this module registers a handler on it.
	VectorRCUQuiescence uint8 = 0xfe
	// VectorWakeCPU is reserved for an idle-CPU wakeup; no package in
	// this module registers a handler on it.
	VectorWakeCPU uint8 = 0xff
)
