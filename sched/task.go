// Package sched implements task scheduling on top of cpulocal/ksync:
// a pluggable Scheduler interface plus a GlobalScheduler holder
// (spec.md §4.G), a FIFO WaitQueue, and a blocking RwMutex built on
// WaitQueue (spec.md's supplemental blocking rwlock, see SPEC_FULL.md
// §3). It lives in its own package, separate from ksync, specifically
// so ksync's SpinLock/RwLock/RCU never import it.
//
// Hosted execution model: a Task's body runs as an actual goroutine
// rather than through a hand-written context switch — there is no
// assembly in this repository to save/restore callee-saved registers
// across a stack swap, and Go does not expose that as a safe
// operation. The Scheduler trait and GlobalScheduler still perform
// every bookkeeping decision spec.md §4.G assigns them (enqueue,
// pick_next, tick, yield_to); Park/Unpark stand in for the
// save-context/restore-context pair, documented here rather than
// silently diverging from the spec.
package sched

import (
	"fmt"
	"sync/atomic"

	"ostd/arch"
	"ostd/mem/pmm"
)

// Status is a task's scheduling state.
type Status int32

const (
	Runnable Status = iota
	Running
	Sleeping
	Exited
)

func (s Status) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	case Sleeping:
		return "Sleeping"
	case Exited:
		return "Exited"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// KernelStackMeta tags the frames backing a Task's kernel stack
// (spec.md §3's usage tag "KernelStack").
type KernelStackMeta struct{}

func (KernelStackMeta) Tag() pmm.UsageTag { return pmm.KernelStackUsage }

const defaultStackPages = 16 // 64 KiB at a 4 KiB base page, spec.md §4.G's default

// AddressSpace is the subset of mem/vmm.VmSpace a Task needs: a space
// to activate on context switch and deactivate on switch-away. Tasks
// that never run user code leave this nil.
type AddressSpace interface {
	Activate(cpu arch.HwCpuId)
	Deactivate(cpu arch.HwCpuId)
}

// Task is an independently schedulable kernel entity (spec.md §3).
type Task struct {
	id     uint64
	status atomic.Int32
	data   any
	space  AddressSpace

	stack    pmm.Segment[KernelStackMeta]
	hasStack bool

	gs          *GlobalScheduler
	needResched atomic.Bool

	// parkCh is sent to by the owning Processor to let this task's
	// goroutine proceed; yielded is sent to by the task itself (from
	// park/exit) to tell the Processor it has stopped running. Together
	// they stand in for context switch in/out in the hosted model.
	parkCh  chan struct{}
	yielded chan struct{}
	exited  chan struct{}
	fn      func(*Task)
	started atomic.Bool
}

// Builder constructs a Task. NewBuilder starts it with the default
// 64 KiB stack request and no payload; a zero-value Builder requests
// a zero-page stack.
type Builder struct {
	stackPages int
	data       any
	space      AddressSpace
	fn         func(*Task)
}

// NewBuilder creates a Task builder whose entry point is fn.
func NewBuilder(fn func(*Task)) *Builder {
	return &Builder{stackPages: defaultStackPages, fn: fn}
}

// WithStackPages overrides the default kernel stack size, in base pages.
func (b *Builder) WithStackPages(n int) *Builder {
	b.stackPages = n
	return b
}

// WithData attaches a pluggable, downcast-able payload.
func (b *Builder) WithData(data any) *Builder {
	b.data = data
	return b
}

// WithAddressSpace associates a user address space, activated whenever
// this task is switched to.
func (b *Builder) WithAddressSpace(space AddressSpace) *Builder {
	b.space = space
	return b
}

var nextTaskID atomic.Uint64

// Build allocates the task's kernel stack from alloc (nil skips
// backing allocation, e.g. in tests that don't need real stack
// memory) and returns the constructed, not-yet-scheduled Task.
func (b *Builder) Build(alloc *pmm.Allocator) (*Task, error) {
	t := &Task{
		id:     nextTaskID.Add(1),
		data:   b.data,
		space:  b.space,
		fn:      b.fn,
		parkCh:  make(chan struct{}, 1),
		yielded: make(chan struct{}, 1),
		exited:  make(chan struct{}),
	}
	t.status.Store(int32(Runnable))
	if alloc != nil {
		seg, err := pmm.AllocContiguous(alloc, pmm.DefaultAllocOptions(), b.stackPages, func(int) KernelStackMeta { return KernelStackMeta{} })
		if err != nil {
			return nil, fmt.Errorf("sched: allocating kernel stack: %w", err)
		}
		t.stack = seg
		t.hasStack = true
	}
	return t, nil
}

// ID returns the task's unique identifier.
func (t *Task) ID() uint64 { return t.id }

// Status returns the task's current scheduling state.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Data returns the task's pluggable payload for the caller to
// type-assert.
func (t *Task) Data() any { return t.data }

// NeedResched reports whether the scheduler has asked this task to
// yield at its next preemption check.
func (t *Task) NeedResched() bool { return t.needResched.Load() }

// SetNeedResched sets the need-resched flag, consulted by involuntary
// preemption points (spec.md §4.G).
func (t *Task) SetNeedResched() { t.needResched.Store(true) }

func (t *Task) clearNeedResched() { t.needResched.Store(false) }

// Run installs gs as the task's owning scheduler, enqueues it as
// Runnable, and starts its goroutine; the goroutine blocks until the
// owning Processor (see processor.go) lets it proceed. Run returns
// immediately, matching spec.md §4.G's task.run() contract.
func (t *Task) Run(gs *GlobalScheduler) {
	if !t.started.CompareAndSwap(false, true) {
		panic("sched: Task.Run called more than once")
	}
	t.gs = gs
	gs.Enqueue(t)
	go func() {
		<-t.parkCh // wait for a Processor to pick this task the first time
		t.status.Store(int32(Running))
		t.fn(t)
		t.exit()
	}()
}

// exit marks the task Exited, frees it from the scheduler, wakes its
// Processor, and hands its kernel stack to the scheduler's shared
// zombie slot rather than freeing it directly — a task cannot free its own
// stack while still running on it (spec.md §4.G's "Exit").
func (t *Task) exit() {
	t.status.Store(int32(Exited))
	t.gs.Remove(t)
	close(t.exited)
	select {
	case t.yielded <- struct{}{}:
	default:
	}
	if t.hasStack {
		t.gs.deferStackFree(t.stack)
	}
}

// Wait blocks the calling goroutine until the task has exited. It is
// not part of spec.md's Task contract (which has no join primitive)
// but is convenient for tests and for cmd/ostdcheck's demo harness.
func (t *Task) Wait() { <-t.exited }

// park suspends the calling task's goroutine until its Processor
// schedules it again, standing in for "save context, switch to the
// next task" in the hosted model. Callers must not hold any spin lock
// and must have preempt count zero and IRQs enabled (spec.md §5's
// suspension rule); this package cannot enforce that statically and
// trusts callers.
func (t *Task) park() {
	t.status.Store(int32(Sleeping))
	t.yielded <- struct{}{}
	<-t.parkCh
	t.status.Store(int32(Running))
}

// unpark makes a sleeping task Runnable again and re-enqueues it; the
// task's goroutine resumes once its Processor next picks it.
func (t *Task) unpark() {
	t.status.Store(int32(Runnable))
	t.gs.Enqueue(t)
}

// yieldNow marks the task Runnable, re-enqueues it at the back of the
// scheduler's choosing, and blocks until a Processor picks it again —
// the voluntary preemption point spec.md §5 calls yield_now().
func (t *Task) yieldNow() {
	t.gs.beforeYield(t)
	t.status.Store(int32(Runnable))
	t.yielded <- struct{}{}
	t.gs.Enqueue(t)
	<-t.parkCh
	t.status.Store(int32(Running))
}
