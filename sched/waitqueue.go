package sched

import (
	"sync"
	"sync/atomic"
)

// waiter is one entry of a WaitQueue, grounded on original_source's
// framework/jinux-frame/src/sync/wait.rs Waiter: an atomic woken flag
// plus the task reference to wake.
type waiter struct {
	task      *Task
	exclusive bool
	woken     atomic.Bool
	finished  bool
}

// WaitQueue is a FIFO of waiters. Exclusive waiters push at the back;
// non-exclusive waiters push at the front. WakeOne wakes the front
// waiter without removing it (a waiter leaves the queue once its
// condition holds); WakeAll walks the queue waking everyone, stopping after the first
// exclusive waiter it wakes (spec.md §3's WaitQueue).
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*waiter
}

// NewWaitQueue creates an empty wait queue.
func NewWaitQueue() *WaitQueue { return &WaitQueue{} }

// WaitUntil blocks the calling task until cond returns a non-nil
// result, matching the original's wait_until: the condition is
// re-checked in a loop around Park, so a wakeup racing the condition
// becoming true is never lost.
func WaitUntil[R any](wq *WaitQueue, t *Task, cond func() *R) R {
	w := wq.enqueue(t, true)
	for {
		w.woken.Store(false)
		if res := cond(); res != nil {
			wq.finishWait(w)
			return *res
		}
		Park(t)
	}
}

func (wq *WaitQueue) enqueue(t *Task, exclusive bool) *waiter {
	w := &waiter{task: t, exclusive: exclusive}
	wq.mu.Lock()
	if exclusive {
		wq.waiters = append(wq.waiters, w)
	} else {
		wq.waiters = append([]*waiter{w}, wq.waiters...)
	}
	wq.mu.Unlock()
	return w
}

func (wq *WaitQueue) finishWait(w *waiter) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	w.finished = true
	kept := wq.waiters[:0]
	for _, x := range wq.waiters {
		if !x.finished {
			kept = append(kept, x)
		}
	}
	wq.waiters = kept
}

// WakeOne wakes the frontmost waiter, if any.
func (wq *WaitQueue) WakeOne() {
	wq.mu.Lock()
	var target *waiter
	if len(wq.waiters) > 0 {
		target = wq.waiters[0]
	}
	wq.mu.Unlock()
	if target != nil {
		wakeWaiter(target)
	}
}

// WakeAll wakes every non-exclusive waiter and at most one exclusive
// waiter, stopping at the first exclusive waiter woken.
func (wq *WaitQueue) WakeAll() {
	wq.mu.Lock()
	snapshot := append([]*waiter(nil), wq.waiters...)
	wq.mu.Unlock()

	for _, w := range snapshot {
		wakeWaiter(w)
		if w.exclusive {
			break
		}
	}
}

func wakeWaiter(w *waiter) {
	if !w.woken.CompareAndSwap(false, true) {
		return
	}
	Unpark(w.task)
}
