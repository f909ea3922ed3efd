// Package softirq implements the bottom-half mechanism spec.md §4.H
// describes: a fixed array of lines, each enabled at most once with a
// callback, raised per-CPU, and drained by a bounded runner invoked
// from trap exit and from cpulocal's bottom-half-disabled guard
// release.
package softirq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ostd/arch"
	"ostd/cpulocal"
)

// NRLines is the number of softirq lines, matching spec.md §4.H's
// "typically 8".
const NRLines = 8

// RunTimes bounds how many passes the bottom-half runner makes per
// invocation before leaving remaining pending work for next time
// (spec.md §4.H's SOFTIRQ_RUN_TIMES, bounding latency vs. starvation
// of task context).
const RunTimes = 5

// Domain owns the line table and the per-CPU pending bitmasks. One
// Domain is created per Runtime at boot and wired into
// cpulocal.Runtime.SetBottomHalfDrain so that releasing the last
// bottom-half-disabled guard on a CPU drains that CPU's pending lines.
type Domain struct {
	rt *cpulocal.Runtime

	mu          sync.Mutex
	enabledMask uint8
	handlers    [NRLines]func()

	pending []atomic.Uint32 // low 8 bits = pending mask, bit 8 = "runner active"

	tasklessMu   sync.Mutex
	tasklessList []*Taskless
}

const runnerActiveBit = 1 << 8

// NewDomain creates an empty line table for rt.NumCPU() CPUs and
// registers its bottom-half runner with rt.
func NewDomain(rt *cpulocal.Runtime) *Domain {
	d := &Domain{rt: rt, pending: make([]atomic.Uint32, rt.HAL().NumCPU())}
	rt.SetBottomHalfDrain(d.RunBottomHalf)
	return d
}

// Enable registers fn as line's callback, returning an error if the
// line already has one. Lines run in ascending index order among
// co-pending lines on a given bottom-half pass.
func (d *Domain) Enable(line int, fn func()) error {
	if line < 0 || line >= NRLines {
		return fmt.Errorf("softirq: line %d out of range [0,%d)", line, NRLines)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[line] != nil {
		return fmt.Errorf("softirq: line %d already enabled", line)
	}
	d.handlers[line] = fn
	d.enabledMask |= 1 << uint(line)
	return nil
}

// Raise sets line pending on the calling CPU. The caller must be
// pinned (spec.md §9's "current CPU as a capability").
func (d *Domain) Raise(line int) {
	if line < 0 || line >= NRLines {
		panic(fmt.Sprintf("softirq: line %d out of range [0,%d)", line, NRLines))
	}
	cpu := d.currentCPU()
	for {
		old := d.pending[cpu].Load()
		next := old | (1 << uint(line))
		if d.pending[cpu].CompareAndSwap(old, next) {
			return
		}
	}
}

func (d *Domain) currentCPU() arch.HwCpuId {
	id, ok := d.rt.HAL().CPUIDOfCurrent()
	if !ok {
		panic("softirq: Raise called from an unpinned goroutine")
	}
	return id
}

// RunBottomHalf is the bottom-half handler, wired as the
// cpulocal.Runtime bottom-half drain callback and also callable
// directly from trap exit. It is a no-op if bottom halves are
// currently disabled on cpu or if a runner invocation is already
// active on cpu (guarding against re-entry from a nested drain).
func (d *Domain) RunBottomHalf(cpu arch.HwCpuId) {
	if d.rt.IsBottomHalfDisabled() {
		return
	}
	slot := &d.pending[cpu]
	for {
		old := slot.Load()
		if old&runnerActiveBit != 0 {
			return
		}
		if slot.CompareAndSwap(old, old|runnerActiveBit) {
			break
		}
	}
	defer func() {
		for {
			old := slot.Load()
			if slot.CompareAndSwap(old, old&^uint32(runnerActiveBit)) {
				return
			}
		}
	}()

	d.mu.Lock()
	enabled := d.enabledMask
	handlers := d.handlers
	d.mu.Unlock()

	for pass := 0; pass < RunTimes; pass++ {
		raw := slot.Load()
		snapshot := uint8(raw&0xff) & enabled
		if snapshot == 0 {
			return
		}
		for {
			old := slot.Load()
			next := old &^ uint32(snapshot)
			if slot.CompareAndSwap(old, next) {
				break
			}
		}
		for line := 0; line < NRLines; line++ {
			if snapshot&(1<<uint(line)) == 0 {
				continue
			}
			if h := handlers[line]; h != nil {
				h()
			}
		}
	}
}

// PendingMask returns the calling CPU's currently pending line
// bitmask, for diagnostics and tests.
func (d *Domain) PendingMask() uint8 {
	return uint8(d.pending[d.currentCPU()].Load() & 0xff)
}
