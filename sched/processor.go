package sched

import (
	"sync/atomic"

	"ostd/arch"
	"ostd/cpulocal"
)

// Processor drives one CPU's scheduling loop: repeatedly pick the next
// Runnable task, let its goroutine run, and wait for it to either park
// (voluntary suspend) or exit before picking again. This is the Go
// stand-in for spec.md §4.G's context switch — see the package doc
// comment in task.go for why there is no literal register save/restore
// here.
type Processor struct {
	gs  *GlobalScheduler
	rt  *cpulocal.Runtime
	cpu arch.HwCpuId

	current atomic.Pointer[Task]
}

// NewProcessor creates a scheduling loop bound to cpu. Run must be
// called from a goroutine pinned to that CPU via
// arch/hosted.Backend.PinCurrentCPU.
func NewProcessor(gs *GlobalScheduler, rt *cpulocal.Runtime, cpu arch.HwCpuId) *Processor {
	return &Processor{gs: gs, rt: rt, cpu: cpu}
}

// Current returns the task currently assigned to run on this
// Processor, or nil if it is idle.
func (p *Processor) Current() *Task { return p.current.Load() }

// Run executes the scheduling loop until stop is closed. Each
// iteration picks the next runnable task (idling via
// EnableLocalIRQAndHalt if none is available), lets it run, and blocks
// until that task parks or exits.
func (p *Processor) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		t := p.gs.PickNext()
		if t == nil {
			p.rt.HAL().EnableLocalIRQAndHalt()
			continue
		}
		p.current.Store(t)
		if t.space != nil {
			t.space.Activate(p.cpu)
		}
		t.parkCh <- struct{}{}
		<-t.yielded
		if t.space != nil {
			t.space.Deactivate(p.cpu)
		}
		p.current.Store(nil)
	}
}

// YieldNow is the voluntary preemption point: it suspends the calling
// task and returns once a Processor resumes it.
func YieldNow(t *Task) { t.yieldNow() }

// Park suspends the calling task until Unpark is called on it. Used by
// WaitQueue and the blocking RwMutex; not normally called directly.
func Park(t *Task) { t.park() }

// Unpark makes a sleeping task Runnable again.
func Unpark(t *Task) { t.unpark() }
