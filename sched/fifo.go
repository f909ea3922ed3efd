package sched

import "sync"

// FIFOScheduler is a single run-queue, round-robin Scheduler: the
// simplest policy satisfying the Scheduler interface, used as the
// default in tests and cmd/ostdcheck. Real deployments install a
// richer policy (e.g. a multi-level feedback queue) via SetScheduler.
type FIFOScheduler struct {
	mu    sync.Mutex
	queue []*Task
	// quantum is how many ticks a task runs before Tick requests a
	// reschedule; ticksLeft tracks the current task's remaining budget.
	quantum   int
	ticksLeft map[uint64]int
}

// NewFIFOScheduler creates a round-robin scheduler with the given
// tick quantum (ticks per task before preemption is requested).
func NewFIFOScheduler(quantum int) *FIFOScheduler {
	if quantum <= 0 {
		quantum = 1
	}
	return &FIFOScheduler{quantum: quantum, ticksLeft: make(map[uint64]int)}
}

func (f *FIFOScheduler) Enqueue(task *Task) {
	f.mu.Lock()
	f.queue = append(f.queue, task)
	f.mu.Unlock()
}

func (f *FIFOScheduler) Remove(task *Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.queue {
		if t == task {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			delete(f.ticksLeft, task.id)
			return true
		}
	}
	return false
}

func (f *FIFOScheduler) PickNext() *Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	return t
}

func (f *FIFOScheduler) ShouldPreempt(cur *Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) > 0
}

func (f *FIFOScheduler) Tick(cur *Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	left, ok := f.ticksLeft[cur.id]
	if !ok {
		left = f.quantum
	}
	left--
	if left <= 0 {
		f.ticksLeft[cur.id] = f.quantum
		return true
	}
	f.ticksLeft[cur.id] = left
	return false
}

func (f *FIFOScheduler) BeforeYield(cur *Task) {
	cur.SetNeedResched()
}

// YieldTo is honored as a hint: target is moved to the front of the
// queue if present, otherwise ignored (spec.md §9 leaves yield_to's
// mandatoriness unspecified; see DESIGN.md's Open Question decision).
func (f *FIFOScheduler) YieldTo(cur *Task, target *Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.queue {
		if t == target {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			f.queue = append([]*Task{target}, f.queue...)
			return
		}
	}
}

var _ Scheduler = (*FIFOScheduler)(nil)
