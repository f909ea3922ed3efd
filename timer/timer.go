// Package timer implements the monotonic tick counter and timeout
// min-heap spec.md §4.H describes: add_timeout_list inserts a
// {expire, fn} node under an IRQ-disabled spinlock; Tick advances the
// global counter and pops every expired, non-cancelled node in
// expire order, invoking each with IRQs already disabled (callers are
// expected to call Tick from interrupt context and keep fn short).
package timer

import (
	"container/heap"
	"sync/atomic"

	"ostd/cpulocal"
	"ostd/ksync"
)

// Domain owns one monotonic tick counter and its timeout min-heap. One
// Domain is created at boot and threaded through whichever subsystem
// drives the periodic tick interrupt (spec.md §9's "legitimate
// globals": the timer min-heap is process-global and locked).
type Domain struct {
	tick atomic.Uint64
	heap *ksync.SpinLock[timerHeap]
}

// NewDomain creates a Domain whose tick counter starts at zero.
func NewDomain(rt *cpulocal.Runtime) *Domain {
	d := &Domain{heap: ksync.NewSpinLock[timerHeap](rt, nil)}
	return d
}

// Now returns the current tick count (spec.md §5: SeqCst, agreed on by
// every CPU).
func (d *Domain) Now() uint64 { return d.tick.Load() }

// TimerCallback is the handle returned by AddTimeoutList. Cancel is
// idempotent and lock-free: it only flips an atomic flag, leaving the
// heap node in place until Tick pops and discards it.
type TimerCallback struct {
	expire    uint64
	fn        func()
	cancelled atomic.Bool
	index     int // heap.Interface bookkeeping, guarded by Domain.heap
}

// Cancel marks the callback cancelled. Safe to call any number of
// times, from any CPU; it prevents at most one firing.
func (c *TimerCallback) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *TimerCallback) Cancelled() bool { return c.cancelled.Load() }

// AddTimeoutList schedules fn to run at tick d.Now()+ticks, returning
// a handle on which Cancel may be called.
func (d *Domain) AddTimeoutList(ticks uint64, fn func()) *TimerCallback {
	cb := &TimerCallback{expire: d.Now() + ticks, fn: fn}
	g := d.heap.Lock(ksync.IrqDisabled)
	heap.Push(g.Get(), cb)
	g.Unlock()
	return cb
}

// Tick advances the monotonic counter by one and invokes every
// expired, non-cancelled callback in expire order. Cancelled heads are
// silently discarded. Must be called with local IRQs already disabled
// (the timer interrupt handler's usual context).
func (d *Domain) Tick() {
	now := d.tick.Add(1)

	g := d.heap.Lock(ksync.IrqDisabled)
	var due []*TimerCallback
	h := g.Get()
	for h.Len() > 0 && (*h)[0].expire <= now {
		cb := heap.Pop(h).(*TimerCallback)
		if !cb.Cancelled() {
			due = append(due, cb)
		}
	}
	g.Unlock()

	for _, cb := range due {
		cb.fn()
	}
}

// timerHeap is a container/heap min-heap ordered by expire tick,
// mirroring the original's BinaryHeap<Reverse<TimerCallback>>.
type timerHeap []*TimerCallback

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expire < h[j].expire }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	cb := x.(*TimerCallback)
	cb.index = len(*h)
	*h = append(*h, cb)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	cb := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return cb
}

var _ heap.Interface = (*timerHeap)(nil)
