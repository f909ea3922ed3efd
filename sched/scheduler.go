package sched

import (
	"sync"

	"ostd/cpulocal"
	"ostd/ksync"
	"ostd/mem/pmm"
)

// Scheduler is the pluggable policy spec.md §4.G requires: a single
// installed object that owns runqueue placement and preemption
// decisions. Grounded on original_source's
// framework/aster-frame/src/task/scheduler.rs trait.
type Scheduler interface {
	// Enqueue makes task Runnable on whichever CPU the policy chooses.
	Enqueue(task *Task)
	// Remove dequeues task if present, reporting whether it was found.
	Remove(task *Task) bool
	// PickNext returns the next task eligible to run, or nil if idle.
	PickNext() *Task
	// ShouldPreempt is consulted by the timer tick.
	ShouldPreempt(cur *Task) bool
	// Tick is the timer-tick hook; returning true requests a reschedule.
	Tick(cur *Task) bool
	// BeforeYield marks cur's need-resched flag ahead of a voluntary yield.
	BeforeYield(cur *Task)
	// YieldTo is a best-effort directed yield (spec.md §9: implementations
	// may treat this as a hint only — this one does, see DESIGN.md).
	YieldTo(cur *Task, target *Task)
}

// GlobalScheduler holds the single installed Scheduler behind an
// IRQ-disabled spin lock, mirroring GLOBAL_SCHEDULER in the original
// scheduler.rs. The lock is held, with interrupts disabled, only while
// the installed Scheduler value is read or replaced; the policy's own
// methods run after it is released.
type GlobalScheduler struct {
	rt   *cpulocal.Runtime
	lock *ksync.SpinLock[Scheduler]

	// zombie holds the most recently exited task's kernel stack,
	// pending a free by its successor. spec.md describes this as a
	// per-CPU slot; this implementation uses one shared slot behind a
	// mutex since Processors in the hosted model are not hard-pinned
	// to a fixed goroutine the way a bare-metal CPU is.
	zombieMu sync.Mutex
	zombie   *pmm.Segment[KernelStackMeta]
}

// NewGlobalScheduler creates a holder with no scheduler installed yet;
// SetScheduler must be called before any Task.Run.
func NewGlobalScheduler(rt *cpulocal.Runtime) *GlobalScheduler {
	return &GlobalScheduler{rt: rt, lock: ksync.NewSpinLock[Scheduler](rt, nil)}
}

// SetScheduler installs s as the active scheduling policy.
func (g *GlobalScheduler) SetScheduler(s Scheduler) {
	guard := g.lock.Lock(ksync.IrqDisabled)
	*guard.Get() = s
	guard.Unlock()
}

func (g *GlobalScheduler) active() Scheduler {
	guard := g.lock.Lock(ksync.IrqDisabled)
	s := *guard.Get()
	guard.Unlock()
	if s == nil {
		panic("sched: no Scheduler installed; call SetScheduler first")
	}
	return s
}

// Enqueue makes task Runnable.
func (g *GlobalScheduler) Enqueue(task *Task) { g.active().Enqueue(task) }

// Remove dequeues task if present.
func (g *GlobalScheduler) Remove(task *Task) bool { return g.active().Remove(task) }

// PickNext returns the next eligible task, or nil if none is runnable.
func (g *GlobalScheduler) PickNext() *Task { return g.active().PickNext() }

// ShouldPreempt reports whether cur should yield to another task.
func (g *GlobalScheduler) ShouldPreempt(cur *Task) bool { return g.active().ShouldPreempt(cur) }

// Tick runs the timer-tick accounting hook for cur.
func (g *GlobalScheduler) Tick(cur *Task) bool { return g.active().Tick(cur) }

func (g *GlobalScheduler) beforeYield(cur *Task) { g.active().BeforeYield(cur) }

// YieldTo best-effort directs the scheduler to run target next.
func (g *GlobalScheduler) YieldTo(cur *Task, target *Task) { g.active().YieldTo(cur, target) }

// deferStackFree hands seg to the shared zombie slot. The previous
// occupant of the slot, if any, is freed now — it survived long
// enough (its successor reached this point) that it is safe to drop
// (spec.md §4.G's "deferred to its successor", with one slot for all
// CPUs).
func (g *GlobalScheduler) deferStackFree(seg pmm.Segment[KernelStackMeta]) {
	g.zombieMu.Lock()
	prev := g.zombie
	g.zombie = &seg
	g.zombieMu.Unlock()
	if prev != nil {
		prev.Drop()
	}
}
