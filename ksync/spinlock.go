// Package ksync provides the non-blocking synchronization primitives
// built on top of cpulocal's atomic-mode guards: a three-mode spin
// lock, a spin-based reader/writer lock, and an RCU domain with
// quiescent-state tracking (spec.md §4.E). The blocking counterparts
// (WaitQueue, RwMutex) live in package sched because they need a Task
// to put to sleep.
//
// Grounded on original_source's framework/aster-frame/src/sync/spin.rs
// (lock_irq_disabled / lock / try_lock and the guard-carries-the-mode
// shape) and biscuit's sync.Mutex-of-state pattern in mem/mem.go's
// Physmem_t (a plain mutex guarding plain fields, the texture this
// package's zero-value-friendly SpinLock follows).
package ksync

import (
	"fmt"
	"sync/atomic"

	"ostd/cpulocal"
)

// Mode selects which atomic-mode guard a SpinLock acquisition holds
// for the critical section's duration.
type Mode uint8

const (
	// PreemptDisabled is the cheap default: safe whenever the lock is
	// never taken from interrupt context.
	PreemptDisabled Mode = iota
	// IrqDisabled additionally blocks local interrupt delivery; use
	// for locks also taken inside an IRQ handler.
	IrqDisabled
	// BottomHalfDisabled blocks softirq bottom-half execution on the
	// current CPU in addition to preemption; use for locks shared
	// with a softirq callback.
	BottomHalfDisabled
)

// SpinLock guards a value of type T with a busy-wait spin lock. The
// zero value is not usable; construct with NewSpinLock.
type SpinLock[T any] struct {
	rt    *cpulocal.Runtime
	state atomic.Bool
	val   T
}

// NewSpinLock creates a spin lock guarding val.
func NewSpinLock[T any](rt *cpulocal.Runtime, val T) *SpinLock[T] {
	return &SpinLock[T]{rt: rt, val: val}
}

// Guard is the RAII handle returned by Lock/TryLock; call Unlock
// exactly once to release it.
type Guard[T any] struct {
	lock    *SpinLock[T]
	mode    Mode
	preempt cpulocal.PreemptGuard
	irq     cpulocal.IrqGuard
	bh      cpulocal.BhGuard
}

// Lock acquires the spin lock in the given mode, busy-waiting until
// it is free.
func (l *SpinLock[T]) Lock(mode Mode) *Guard[T] {
	g := l.acquireGuard(mode)
	for !l.state.CompareAndSwap(false, true) {
		cpulocal.SpinWait()
	}
	return g
}

// TryLock attempts to acquire the lock without waiting, returning nil
// if it is already held.
func (l *SpinLock[T]) TryLock(mode Mode) *Guard[T] {
	g := l.acquireGuard(mode)
	if l.state.CompareAndSwap(false, true) {
		return g
	}
	g.releaseModeGuard()
	return nil
}

func (l *SpinLock[T]) acquireGuard(mode Mode) *Guard[T] {
	g := &Guard[T]{lock: l, mode: mode}
	switch mode {
	case IrqDisabled:
		g.irq = l.rt.DisableIrq()
	case BottomHalfDisabled:
		g.preempt = l.rt.DisablePreempt()
		g.bh = l.rt.DisableBottomHalf()
	case PreemptDisabled:
		g.preempt = l.rt.DisablePreempt()
	default:
		panic(fmt.Sprintf("ksync: unknown spin lock mode %d", mode))
	}
	return g
}

func (g *Guard[T]) releaseModeGuard() {
	switch g.mode {
	case IrqDisabled:
		g.irq.Release()
	case BottomHalfDisabled:
		g.bh.Release()
		g.preempt.Release()
	case PreemptDisabled:
		g.preempt.Release()
	}
}

// Get returns a pointer to the guarded value.
func (g *Guard[T]) Get() *T { return &g.lock.val }

// Unlock releases the spin lock and the underlying atomic-mode guard.
func (g *Guard[T]) Unlock() {
	g.lock.state.Store(false)
	g.releaseModeGuard()
}
