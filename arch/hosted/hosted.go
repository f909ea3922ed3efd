// Package hosted implements arch.HAL as a software simulation: each
// "CPU" is a goroutine pinned to its own OS thread, physical memory is
// an anonymous mmap'd arena, and inter-processor interrupts are
// delivered by direct handler invocation. This is the only backend in
// this repository — see SPEC_FULL.md §0.
package hosted

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"ostd/arch"
)

// Backend is the hosted arch.HAL implementation. The zero value is
// not usable; construct one with New.
type Backend struct {
	numCPU int
	start  time.Time

	mu       sync.RWMutex
	tidToCPU map[int]arch.HwCpuId

	irqEnabled []atomic.Bool

	handlersMu sync.RWMutex
	handlers   [256]func(*arch.TrapFrame)
}

// New creates a hosted backend modeling numCPU logical CPUs.
func New(numCPU int) *Backend {
	if numCPU <= 0 {
		panic("hosted: numCPU must be positive")
	}
	b := &Backend{
		numCPU:     numCPU,
		start:      time.Now(),
		tidToCPU:   make(map[int]arch.HwCpuId),
		irqEnabled: make([]atomic.Bool, numCPU),
	}
	for i := range b.irqEnabled {
		b.irqEnabled[i].Store(true)
	}
	return b
}

func (b *Backend) NumCPU() int { return b.numCPU }

// PinCurrentCPU locks the calling goroutine to its current OS thread,
// pins that thread's scheduling affinity to id (best effort; failures
// to set affinity are not fatal under emulation or non-Linux hosts),
// and records the tid -> HwCpuId mapping CPUIDOfCurrent consults.
// The returned unpin function must be called from the same goroutine
// before it exits, normally via defer.
func (b *Backend) PinCurrentCPU(id arch.HwCpuId) (unpin func(), err error) {
	if int(id) >= b.numCPU {
		return nil, fmt.Errorf("hosted: cpu id %d out of range [0,%d)", id, b.numCPU)
	}
	runtime.LockOSThread()
	tid := unix.Gettid()

	var set unix.CPUSet
	set.Zero()
	set.Set(int(id) % runtime.NumCPU())
	// Best effort: under containers/CI the affinity mask may be
	// restricted or the call may be unsupported; a failure here does
	// not affect correctness of the simulation, only the strength of
	// the affinity guarantee.
	_ = unix.SchedSetaffinity(tid, &set)

	b.mu.Lock()
	b.tidToCPU[tid] = id
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.tidToCPU, tid)
		b.mu.Unlock()
		runtime.UnlockOSThread()
	}, nil
}

func (b *Backend) CPUIDOfCurrent() (arch.HwCpuId, bool) {
	tid := unix.Gettid()
	b.mu.RLock()
	id, ok := b.tidToCPU[tid]
	b.mu.RUnlock()
	return id, ok
}

func (b *Backend) currentIndex() int {
	id, ok := b.CPUIDOfCurrent()
	if !ok {
		panic("hosted: local IRQ state queried from an unpinned goroutine")
	}
	return int(id)
}

func (b *Backend) EnableLocalIRQ() {
	b.irqEnabled[b.currentIndex()].Store(true)
}

func (b *Backend) DisableLocalIRQ() {
	b.irqEnabled[b.currentIndex()].Store(false)
}

func (b *Backend) IsLocalIRQEnabled() bool {
	return b.irqEnabled[b.currentIndex()].Load()
}

// EnableLocalIRQAndHalt re-enables local IRQs and then blocks the
// calling goroutine briefly, standing in for a HLT instruction. In
// the hosted backend nothing can actually "lose" an interrupt between
// the two steps because IPI/softirq delivery in this package is
// synchronous with respect to the enable — the ordering is preserved
// for API fidelity with real hardware, not because it is load-bearing
// here.
func (b *Backend) EnableLocalIRQAndHalt() {
	b.EnableLocalIRQ()
	runtime.Gosched()
}

// RegisterIPIHandler installs fn as the handler for vector. Panics if
// a handler is already registered for that vector, matching spec.md
// §4.A's requirement that the vector have a handler installed before
// SendIPI is used.
func (b *Backend) RegisterIPIHandler(vector uint8, fn func(*arch.TrapFrame)) (unregister func()) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if b.handlers[vector] != nil {
		panic(fmt.Sprintf("hosted: IPI vector %d already has a handler", vector))
	}
	b.handlers[vector] = fn
	return func() {
		b.handlersMu.Lock()
		defer b.handlersMu.Unlock()
		b.handlers[vector] = nil
	}
}

// SendIPI delivers vector to target by invoking its registered
// handler synchronously on the caller's goroutine. This is a
// deliberate simplification for testability: real hardware delivers
// IPIs asynchronously on the target CPU, but for deterministic tests
// of the trap/timer/scheduler logic that IPIs drive (TLB shootdown,
// RCU quiescence nudges, wake-a-sleeping-CPU) synchronous delivery is
// sufficient and removes a source of flakiness.
func (b *Backend) SendIPI(target arch.HwCpuId, vector uint8) error {
	if int(target) >= b.numCPU {
		return fmt.Errorf("hosted: ipi target %d out of range", target)
	}
	b.handlersMu.RLock()
	fn := b.handlers[vector]
	b.handlersMu.RUnlock()
	if fn == nil {
		return fmt.Errorf("hosted: no handler installed for ipi vector %d", vector)
	}
	fn(&arch.TrapFrame{TrapNum: uint64(vector)})
	return nil
}

// ReadTSC returns elapsed nanoseconds since the backend was created,
// standing in for a monotonic cycle counter.
func (b *Backend) ReadTSC() uint64 {
	return uint64(time.Since(b.start).Nanoseconds())
}

// QueryTSCFreq reports a synthetic 1GHz "frequency" since ReadTSC
// already returns nanoseconds.
func (b *Backend) QueryTSCFreq() (uint64, bool) {
	return 1_000_000_000, true
}

var _ arch.HAL = (*Backend)(nil)
