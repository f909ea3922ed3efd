// Package trap implements the unified trap dispatch path spec.md §4.F
// describes: a fixed IRQ line table with handle-based
// allocate/register/auto-unregister, a dispatcher distinguishing CPU
// exceptions from external IRQs, and the kernel-linear-map page-fault
// fixup hook (supplied by mem/vmm through a registered callback so
// this package does not import mem/vmm directly).
package trap

import (
	"fmt"
	"sync"

	"ostd/arch"
	"ostd/cpulocal"
	"ostd/kerrors"
	"ostd/softirq"
)

// IRQNumMin and IRQNumMax bound the allocatable external-IRQ vector
// space on the modeled architecture (spec.md §6); vectors below
// IRQNumMin are reserved for CPU exceptions.
const (
	IRQNumMin = 32
	IRQNumMax = 255
)

// CPUExceptionMax is the first vector number not reserved for a CPU
// exception (spec.md §4.F's "e.g. 0..32 on x86").
const CPUExceptionMax = 32

type callback struct {
	fn func(*arch.TrapFrame)
}

// line is one entry of the fixed IRQ table: a free/allocated bit plus
// its registered callbacks.
type line struct {
	mu        sync.Mutex
	allocated bool
	callbacks []*callback
	running   sync.WaitGroup // blocks Drop-while-executing (spec.md §8 boundary)
}

// Table is the fixed IRQ_LINES[0..=255] array plus its allocation
// bitmap. One Table is created at boot.
type Table struct {
	rt *cpulocal.Runtime
	sd *softirq.Domain

	mu    sync.Mutex
	lines [IRQNumMax + 1]*line

	// kernelPageFault is invoked for a kernel-mode page fault; mem/vmm
	// registers its linear-map fixup here via SetKernelPageFaultHandler
	// so this package never imports mem/vmm.
	kernelPageFault func(tf *arch.TrapFrame) error
	// userPageFault is invoked for a userspace page fault; the upper
	// kernel (not part of this module) registers it.
	userPageFault func(tf *arch.TrapFrame, required arch.PageFlags) error
}

// NewTable creates an empty IRQ table wired to rt and sd. sd's
// bottom-half runner is invoked at the tail of external-IRQ dispatch,
// matching spec.md §4.F's "on return, check for pending softirqs".
func NewTable(rt *cpulocal.Runtime, sd *softirq.Domain) *Table {
	t := &Table{rt: rt, sd: sd}
	for i := range t.lines {
		t.lines[i] = &line{}
	}
	return t
}

// SetKernelPageFaultHandler installs fn as the kernel-mode page-fault
// fixup hook (mem/vmm's linear-map installer).
func (t *Table) SetKernelPageFaultHandler(fn func(tf *arch.TrapFrame) error) {
	t.kernelPageFault = fn
}

// SetUserPageFaultHandler installs fn as the userspace page-fault
// delivery hook.
func (t *Table) SetUserPageFaultHandler(fn func(tf *arch.TrapFrame, required arch.PageFlags) error) {
	t.userPageFault = fn
}

// IrqLine is a handle to one allocated vector. Dropping it (calling
// Free) unregisters every callback and releases the vector back to
// the table's bitmap.
type IrqLine struct {
	t   *Table
	num uint8
}

// Alloc reserves a free external-IRQ vector in [IRQNumMin, IRQNumMax].
func (t *Table) Alloc() (*IrqLine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n := IRQNumMin; n <= IRQNumMax; n++ {
		if !t.lines[n].allocated {
			t.lines[n].allocated = true
			return &IrqLine{t: t, num: uint8(n)}, nil
		}
	}
	return nil, kerrors.NoMemory
}

// AllocSpecific reserves exactly vector num, failing if it is already
// in use or outside the external-IRQ range.
func (t *Table) AllocSpecific(num uint8) (*IrqLine, error) {
	if int(num) < IRQNumMin || int(num) > IRQNumMax {
		return nil, kerrors.InvalidArgs
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lines[num].allocated {
		return nil, kerrors.AccessDenied
	}
	t.lines[num].allocated = true
	return &IrqLine{t: t, num: num}, nil
}

// Num returns the allocated vector number.
func (l *IrqLine) Num() uint8 { return l.num }

// CallbackHandle is returned by OnActive; dropping it (calling
// Unregister) removes the callback. Waits for an in-flight invocation
// of the same callback to finish first (spec.md §8's boundary
// behavior: "an IRQ line dropped while a callback is executing must
// wait for the callback to finish before free").
type CallbackHandle struct {
	ln *line
	cb *callback
}

// OnActive registers fn to run whenever this vector fires. Multiple
// callbacks may be registered on one line; they run in registration
// order.
func (l *IrqLine) OnActive(fn func(*arch.TrapFrame)) *CallbackHandle {
	ln := l.t.lines[l.num]
	cb := &callback{fn: fn}
	ln.mu.Lock()
	ln.callbacks = append(ln.callbacks, cb)
	ln.mu.Unlock()
	return &CallbackHandle{ln: ln, cb: cb}
}

// Unregister removes this callback from its line, blocking until any
// currently executing invocation of it completes.
func (h *CallbackHandle) Unregister() {
	h.ln.mu.Lock()
	for i, c := range h.ln.callbacks {
		if c == h.cb {
			h.ln.callbacks = append(h.ln.callbacks[:i], h.ln.callbacks[i+1:]...)
			break
		}
	}
	h.ln.mu.Unlock()
	h.ln.running.Wait()
}

// Free releases the vector back to the table, unregistering every
// remaining callback.
func (l *IrqLine) Free() {
	ln := l.t.lines[l.num]
	ln.mu.Lock()
	ln.callbacks = nil
	ln.mu.Unlock()
	ln.running.Wait()
	l.t.mu.Lock()
	ln.allocated = false
	l.t.mu.Unlock()
}

// MSIXRemap installs an interrupt-remapping-table entry for l's vector
// and returns the opaque remap index drivers should use instead of
// l.Num(). remappingAvailable models whether the platform exposes an
// IOMMU/IRT; when false, remapping is unavailable and the raw vector
// is returned instead (degraded mode, spec.md §6's "must tolerate
// their absence"), matching spec.md §4.F's "expose only the remapping
// index... to PCI drivers" when remapping is available.
func (l *IrqLine) MSIXRemap(remappingAvailable bool) int32 {
	if !remappingAvailable {
		return int32(l.num)
	}
	return int32(l.num) + 0x1000
}

// Dispatch runs the trap handler for tf, called once per trap by the
// architecture's entry stub (spec.md §4.F).
func (t *Table) Dispatch(tf *arch.TrapFrame) {
	if tf.TrapNum < CPUExceptionMax {
		t.dispatchException(tf)
		return
	}
	t.dispatchIRQ(tf)
}

func (t *Table) dispatchException(tf *arch.TrapFrame) {
	const pageFaultVector = 14 // x86 #PF, matching arch's modeled layout
	if tf.TrapNum == pageFaultVector {
		if !tf.FromUserMode && t.inLinearMapRange(tf.FaultAddr) {
			if t.kernelPageFault == nil {
				panic(fmt.Sprintf("trap: kernel page fault at %#x with no linear-map handler installed", tf.FaultAddr))
			}
			if err := t.kernelPageFault(tf); err != nil {
				panic(fmt.Sprintf("trap: unrecoverable kernel page fault at %#x: %v", tf.FaultAddr, err))
			}
			return
		}
		if tf.FromUserMode {
			if t.userPageFault == nil {
				panic("trap: user page fault with no handler registered")
			}
			required := requiredPermsFromErrorCode(tf.ErrorCode)
			if err := t.userPageFault(tf, required); err != nil {
				return // upper kernel chose to kill the faulting task; nothing more to do here
			}
			return
		}
		panic(fmt.Sprintf("trap: unhandled kernel CPU exception %d at rip %#x", tf.TrapNum, tf.ReturnRIP))
	}
	panic(fmt.Sprintf("trap: unhandled kernel CPU exception %d at rip %#x", tf.TrapNum, tf.ReturnRIP))
}

// inLinearMapRange reports whether addr falls in the kernel linear
// map (spec.md §6's LINEAR_MAPPING_VADDR_RANGE). The base and size are
// the same constants mem/vmm uses; duplicated here rather than
// importing mem/vmm, matching the one-way
// dependency this package's callback hooks establish.
const (
	linearMapBase = arch.Vaddr(0xffff_8880_0000_0000)
	linearMapSize = arch.Vaddr(1) << 46 // 64 TiB, generous for a hosted model
)

func (t *Table) inLinearMapRange(addr arch.Vaddr) bool {
	return addr >= linearMapBase && addr < linearMapBase+linearMapSize
}

func requiredPermsFromErrorCode(code uint64) arch.PageFlags {
	var f arch.PageFlags
	const (
		errPresent = 1 << 0
		errWrite   = 1 << 1
		errUser    = 1 << 2
		errExec    = 1 << 4
	)
	if code&errWrite != 0 {
		f |= arch.FlagWrite
	} else {
		f |= arch.FlagRead
	}
	if code&errExec != 0 {
		f |= arch.FlagExec
	}
	if code&errUser != 0 {
		f |= arch.FlagUser
	}
	return f
}

func (t *Table) dispatchIRQ(tf *arch.TrapFrame) {
	ln := t.lines[tf.TrapNum]
	ln.mu.Lock()
	cbs := append([]*callback(nil), ln.callbacks...)
	ln.running.Add(1)
	ln.mu.Unlock()

	for _, cb := range cbs {
		cb.fn(tf)
	}
	ln.running.Done()

	if cpu, ok := t.rt.HAL().CPUIDOfCurrent(); ok && !t.rt.IsBottomHalfDisabled() {
		t.sd.RunBottomHalf(cpu)
	}
}
