package sched

import (
	"sync"
	"testing"
	"time"

	"ostd/arch/hosted"
	"ostd/cpulocal"
)

func newTestGS(numCPU int) (*hosted.Backend, *cpulocal.Runtime, *GlobalScheduler) {
	b := hosted.New(numCPU)
	rt := cpulocal.New(b)
	gs := NewGlobalScheduler(rt)
	gs.SetScheduler(NewFIFOScheduler(4))
	return b, rt, gs
}

func TestTaskRunsToCompletion(t *testing.T) {
	b, rt, gs := newTestGS(1)
	unpin, err := b.PinCurrentCPU(0)
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	defer unpin()

	var ran bool
	task, err := NewBuilder(func(t *Task) { ran = true }).Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	task.Run(gs)

	p := NewProcessor(gs, rt, 0)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	task.Wait()
	close(stop)
	<-done

	if !ran {
		t.Fatalf("task body never ran")
	}
	if task.Status() != Exited {
		t.Fatalf("status = %v, want Exited", task.Status())
	}
}

func TestProcessorRunsMultipleTasksFIFO(t *testing.T) {
	b, rt, gs := newTestGS(1)
	unpin, err := b.PinCurrentCPU(0)
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	defer unpin()

	var mu sync.Mutex
	var order []int

	p := NewProcessor(gs, rt, 0)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	tasks := make([]*Task, 3)
	for i := range tasks {
		i := i
		task, err := NewBuilder(func(t *Task) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}).Build(nil)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		tasks[i] = task
		task.Run(gs)
	}

	for _, task := range tasks {
		task.Wait()
	}
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want FIFO 0,1,2", order)
		}
	}
}

func TestTaskYieldNowLetsOthersRun(t *testing.T) {
	b, rt, gs := newTestGS(1)
	unpin, err := b.PinCurrentCPU(0)
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	defer unpin()

	p := NewProcessor(gs, rt, 0)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	var mu sync.Mutex
	var trace []string

	a, err := NewBuilder(func(t *Task) {
		mu.Lock()
		trace = append(trace, "a1")
		mu.Unlock()
		YieldNow(t)
		mu.Lock()
		trace = append(trace, "a2")
		mu.Unlock()
	}).Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bT, err := NewBuilder(func(t *Task) {
		mu.Lock()
		trace = append(trace, "b1")
		mu.Unlock()
	}).Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	a.Run(gs)
	bT.Run(gs)
	a.Wait()
	bT.Wait()
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(trace) != 3 || trace[0] != "a1" || trace[2] != "a2" {
		t.Fatalf("trace = %v, want a1 then b1 then a2", trace)
	}
}

func TestWaitQueueWakeOne(t *testing.T) {
	b, rt, gs := newTestGS(1)
	unpin, err := b.PinCurrentCPU(0)
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	defer unpin()

	p := NewProcessor(gs, rt, 0)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	wq := NewWaitQueue()
	var ready bool
	var mu sync.Mutex
	var woke bool

	waiter, err := NewBuilder(func(t *Task) {
		WaitUntil(wq, t, func() *struct{} {
			mu.Lock()
			defer mu.Unlock()
			if ready {
				return &struct{}{}
			}
			return nil
		})
		woke = true
	}).Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	waiter.Run(gs)

	time.Sleep(10 * time.Millisecond)
	if woke {
		t.Fatalf("waiter woke before condition was satisfied")
	}

	mu.Lock()
	ready = true
	mu.Unlock()
	wq.WakeOne()

	waiter.Wait()
	close(stop)
	<-done

	if !woke {
		t.Fatalf("waiter never observed the satisfied condition")
	}
}

func TestRwMutexExcludesWriter(t *testing.T) {
	b, rt, gs := newTestGS(1)
	unpin, err := b.PinCurrentCPU(0)
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	defer unpin()

	p := NewProcessor(gs, rt, 0)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	m := NewRwMutex(0)
	r, ok := m.TryRLock()
	if !ok {
		t.Fatalf("TryRLock should succeed on an unlocked mutex")
	}
	if _, ok := m.TryWLock(); ok {
		t.Fatalf("TryWLock should fail while a reader holds the lock")
	}

	var wrote bool
	writer, err := NewBuilder(func(t *Task) {
		g := m.WLock(t)
		*g.Get() = 42
		wrote = true
		g.Unlock()
	}).Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	writer.Run(gs)

	time.Sleep(10 * time.Millisecond)
	if wrote {
		t.Fatalf("writer proceeded while reader held the lock")
	}

	r.Unlock()
	writer.Wait()
	close(stop)
	<-done

	if !wrote {
		t.Fatalf("writer never observed as having run")
	}
	r2, ok := m.TryRLock()
	if !ok {
		t.Fatalf("TryRLock should succeed once the writer releases")
	}
	if *r2.Get() != 42 {
		t.Fatalf("guarded value = %d, want 42", *r2.Get())
	}
	r2.Unlock()
}
