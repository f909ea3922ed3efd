// Package cpulocal provides per-CPU storage and the RAII-style atomic
// mode guards (preempt-disabled, IRQ-disabled, bottom-half-disabled)
// that every other component composes on top of (spec.md §4.E). It is
// the Go analogue of the original Rust code's cpu_local! macro plus
// task::disable_preempt and trap::disable_local, reworked around
// arch.HAL.CPUIDOfCurrent instead of a thread-local register.
package cpulocal

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"ostd/arch"
)

// Runtime owns the per-CPU depth counters backing the atomic-mode
// guards below. One Runtime is created per arch.HAL instance at boot
// and threaded through every component that needs cpu-local state.
type Runtime struct {
	hal arch.HAL

	preemptDepth []atomic.Int32
	irqDepth     []atomic.Int32
	irqWasOn     []bool
	bhDepth      []atomic.Int32
	bhDrain      func(cpu arch.HwCpuId)
}

// New creates a Runtime sized for hal.NumCPU() CPUs.
func New(hal arch.HAL) *Runtime {
	n := hal.NumCPU()
	return &Runtime{
		hal:          hal,
		preemptDepth: make([]atomic.Int32, n),
		irqDepth:     make([]atomic.Int32, n),
		irqWasOn:     make([]bool, n),
		bhDepth:      make([]atomic.Int32, n),
	}
}

// HAL returns the architecture backend this runtime was built on.
func (r *Runtime) HAL() arch.HAL { return r.hal }

func (r *Runtime) currentCPU() arch.HwCpuId {
	id, ok := r.hal.CPUIDOfCurrent()
	if !ok {
		panic("cpulocal: calling goroutine is not pinned to a CPU")
	}
	return id
}

// Cell is a value of T held once per CPU, indexed by the accessing
// goroutine's pinned CPU ID.
type Cell[T any] struct {
	rt   *Runtime
	vals []T
}

// NewCell allocates a per-CPU cell, initializing each CPU's slot via
// init (called once per CPU at construction time; init may be nil to
// leave zero values).
func NewCell[T any](rt *Runtime, init func(cpu arch.HwCpuId) T) *Cell[T] {
	n := rt.hal.NumCPU()
	c := &Cell[T]{rt: rt, vals: make([]T, n)}
	if init != nil {
		for i := 0; i < n; i++ {
			c.vals[i] = init(arch.HwCpuId(i))
		}
	}
	return c
}

// Current returns a pointer to the calling CPU's slot. The caller
// must hold an atomic-mode guard (Preempt/Irq) for the duration of
// any use of the pointer, or the CPU may migrate underneath it.
func (c *Cell[T]) Current() *T {
	return &c.vals[c.rt.currentCPU()]
}

// At returns a pointer to an arbitrary CPU's slot, for cross-CPU
// inspection (e.g. the scheduler reading another CPU's runqueue
// length). Cross-CPU access is inherently racy with that CPU's own
// local updates unless the caller holds an external lock; callers
// that need a consistent snapshot should use an atomic-typed T.
func (c *Cell[T]) At(cpu arch.HwCpuId) *T {
	if int(cpu) >= len(c.vals) {
		panic(fmt.Sprintf("cpulocal: cpu %d out of range", cpu))
	}
	return &c.vals[cpu]
}

// PreemptGuard disables preemption on the CPU it was acquired on
// until Release is called.
type PreemptGuard struct {
	rt  *Runtime
	cpu arch.HwCpuId
}

// DisablePreempt increments the calling CPU's preemption-disable
// depth. Nesting is supported: only the outermost Release re-enables
// preemption checks.
func (r *Runtime) DisablePreempt() PreemptGuard {
	cpu := r.currentCPU()
	r.preemptDepth[cpu].Add(1)
	return PreemptGuard{rt: r, cpu: cpu}
}

// CPU reports the CPU this guard was acquired on.
func (g PreemptGuard) CPU() arch.HwCpuId { return g.cpu }

// Release ends the preemption-disabled section this guard represents.
func (g PreemptGuard) Release() {
	if g.rt.preemptDepth[g.cpu].Add(-1) < 0 {
		panic("cpulocal: preempt-disable depth underflow")
	}
}

// IsPreemptDisabled reports whether the calling CPU is currently
// inside any DisablePreempt or DisableIrq section.
func (r *Runtime) IsPreemptDisabled() bool {
	return r.preemptDepth[r.currentCPU()].Load() > 0
}

// IrqGuard disables local IRQs (and, by composition, preemption) on
// the CPU it was acquired on until Release is called.
type IrqGuard struct {
	rt  *Runtime
	cpu arch.HwCpuId
}

// DisableIrq disables local interrupt delivery on the calling CPU.
// IRQ-disabled sections imply preemption-disabled (spec.md §4.E), so
// this also bumps the preempt depth; nested DisableIrq/DisablePreempt
// calls on the same CPU compose correctly and only the outermost
// DisableIrq actually toggles hardware IRQ state.
func (r *Runtime) DisableIrq() IrqGuard {
	cpu := r.currentCPU()
	if r.irqDepth[cpu].Load() == 0 {
		r.irqWasOn[cpu] = r.hal.IsLocalIRQEnabled()
	}
	r.hal.DisableLocalIRQ()
	r.irqDepth[cpu].Add(1)
	r.preemptDepth[cpu].Add(1)
	return IrqGuard{rt: r, cpu: cpu}
}

// CPU reports the CPU this guard was acquired on.
func (g IrqGuard) CPU() arch.HwCpuId { return g.cpu }

// Release ends the IRQ-disabled section. Local IRQs are only actually
// re-enabled once the outermost DisableIrq guard on this CPU is
// released, and only if they were enabled before it was acquired.
func (g IrqGuard) Release() {
	d := g.rt.irqDepth[g.cpu].Add(-1)
	if d < 0 {
		panic("cpulocal: irq-disable depth underflow")
	}
	if d == 0 && g.rt.irqWasOn[g.cpu] {
		g.rt.hal.EnableLocalIRQ()
	}
	if g.rt.preemptDepth[g.cpu].Add(-1) < 0 {
		panic("cpulocal: preempt-disable depth underflow")
	}
}

// IsIrqDisabled reports whether the calling CPU is currently inside a
// DisableIrq section.
func (r *Runtime) IsIrqDisabled() bool {
	return r.irqDepth[r.currentCPU()].Load() > 0
}

// BhGuard disables softirq bottom-half execution on the CPU it was
// acquired on until Release is called.
type BhGuard struct {
	rt  *Runtime
	cpu arch.HwCpuId
}

// DisableBottomHalf prevents the softirq bottom-half runner from
// executing on the calling CPU until the guard is released. Package
// softirq consults IsBottomHalfDisabled before running pending
// callbacks; it lives here rather than in package softirq so that
// ksync's SpinLock can offer a BottomHalfDisabled mode without
// importing softirq.
func (r *Runtime) DisableBottomHalf() BhGuard {
	cpu := r.currentCPU()
	r.bhDepth[cpu].Add(1)
	return BhGuard{rt: r, cpu: cpu}
}

// CPU reports the CPU this guard was acquired on.
func (g BhGuard) CPU() arch.HwCpuId { return g.cpu }

// Release ends the bottom-half-disabled section. On the outermost
// release it first lowers the depth to zero and then drains any
// softirqs that were raised while bottom halves were disabled on this
// CPU, so the drain runs with bottom halves already re-enabled.
func (g BhGuard) Release() {
	d := g.rt.bhDepth[g.cpu].Add(-1)
	if d < 0 {
		panic("cpulocal: bottom-half-disable depth underflow")
	}
	if d == 0 {
		if drain := g.rt.bhDrain; drain != nil {
			drain(g.cpu)
		}
	}
}

// SetBottomHalfDrain registers the callback invoked when a CPU's
// bottom-half-disabled depth returns to zero. Package softirq calls
// this once at boot to wire its bottom-half runner in, keeping
// cpulocal free of a direct import of softirq.
func (r *Runtime) SetBottomHalfDrain(fn func(cpu arch.HwCpuId)) {
	r.bhDrain = fn
}

// IsBottomHalfDisabled reports whether the calling CPU currently has
// bottom-half execution disabled.
func (r *Runtime) IsBottomHalfDisabled() bool {
	return r.bhDepth[r.currentCPU()].Load() > 0
}

// SpinWait yields the goroutine scheduler instead of hammering a
// shared cache line, standing in for a hardware PAUSE instruction.
// Exported so spin-based locks outside this package (ksync.SpinLock,
// ksync.RwLock) share one backoff policy.
func SpinWait() { runtime.Gosched() }
