package ksync

import (
	"sync"
	"sync/atomic"

	"ostd/arch"
	"ostd/cpulocal"
)

// Domain implements read-copy-update synchronization: read-side
// critical sections (RLock/RUnlock) never block, and Synchronize
// waits only until every CPU has passed through at least one
// quiescent point (a moment with no read-side section held) after
// Synchronize was called.
type Domain struct {
	rt         *cpulocal.Runtime
	generation atomic.Uint64
	inSection  []atomic.Uint64 // per-CPU: generation observed at RLock time, or 0 if not in a section

	mu      sync.Mutex
	pending []pendingCallback
}

type pendingCallback struct {
	generation uint64
	fn         func()
}

// NewDomain creates an RCU domain sized for rt's CPU count.
func NewDomain(rt *cpulocal.Runtime) *Domain {
	return &Domain{
		rt:        rt,
		inSection: make([]atomic.Uint64, rt.HAL().NumCPU()),
	}
}

// RcuReadGuard marks the calling CPU as inside a read-side critical
// section until RUnlock is called.
type RcuReadGuard struct {
	d   *Domain
	cpu arch.HwCpuId
}

// RLock enters a read-side critical section on the calling CPU.
func (d *Domain) RLock() RcuReadGuard {
	id, ok := d.rt.HAL().CPUIDOfCurrent()
	if !ok {
		panic("ksync: RCU RLock from an unpinned goroutine")
	}
	// +1 so that "generation 0, not observed" (zero value) is
	// distinguishable from "observed generation 0".
	d.inSection[id].Store(d.generation.Load() + 1)
	return RcuReadGuard{d: d, cpu: id}
}

// RUnlock exits the read-side critical section.
func (g RcuReadGuard) RUnlock() {
	g.d.inSection[g.cpu].Store(0)
}

// Synchronize blocks until every currently in-progress read-side
// section on every CPU has completed — specifically, until each CPU
// has either reported no section in progress, or entered a section
// that started at or after this call's generation. It does not
// itself run pending CallAfterGrace callbacks older than this
// generation; call RunExpiredCallbacks for that.
func (d *Domain) Synchronize() {
	gen := d.generation.Add(1)
	for cpu := range d.inSection {
		for {
			observed := d.inSection[cpu].Load()
			if observed == 0 || observed > gen {
				break
			}
			cpulocal.SpinWait()
		}
	}
}

// CallAfterGrace registers fn to run once a grace period starting
// after this call has elapsed. It does not run fn itself — call
// RunExpiredCallbacks (typically from a softirq or timer tick) to
// drain callbacks whose grace period has elapsed.
func (d *Domain) CallAfterGrace(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingCallback{generation: d.generation.Load(), fn: fn})
	d.mu.Unlock()
}

// RunExpiredCallbacks synchronizes once and then runs every callback
// registered before that synchronization, removing them from the
// pending list.
func (d *Domain) RunExpiredCallbacks() {
	d.mu.Lock()
	due := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(due) == 0 {
		return
	}
	d.Synchronize()
	for _, cb := range due {
		cb.fn()
	}
}
