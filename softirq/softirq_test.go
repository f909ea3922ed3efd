package softirq

import (
	"testing"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/cpulocal"
)

func pinned(t *testing.T, b *hosted.Backend, cpu int) func() {
	t.Helper()
	unpin, err := b.PinCurrentCPU(arch.HwCpuId(cpu))
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	return unpin
}

func TestRaiseAndRunInvokesCallback(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	ran := false
	if err := d.Enable(3, func() { ran = true }); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	d.Raise(3)
	d.RunBottomHalf(0)
	if !ran {
		t.Fatalf("callback never ran")
	}
	if d.PendingMask() != 0 {
		t.Fatalf("pending mask = %#x, want 0 after drain", d.PendingMask())
	}
}

func TestPriorityOrderAscending(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	var order []int
	if err := d.Enable(2, func() { order = append(order, 2) }); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := d.Enable(5, func() { order = append(order, 5) }); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	d.Raise(5)
	d.Raise(2)
	d.RunBottomHalf(0)

	if len(order) != 2 || order[0] != 2 || order[1] != 5 {
		t.Fatalf("order = %v, want [2 5]", order)
	}
}

func TestDoubleEnableFails(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	if err := d.Enable(0, func() {}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := d.Enable(0, func() {}); err == nil {
		t.Fatalf("second Enable on the same line should fail")
	}
}

func TestBottomHalfDisabledGuardDrainsOnRelease(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	ran := false
	if err := d.Enable(1, func() { ran = true }); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	g := rt.DisableBottomHalf()
	d.Raise(1)
	if ran {
		t.Fatalf("callback ran while bottom halves were disabled")
	}
	g.Release()
	if !ran {
		t.Fatalf("callback should have run on guard release")
	}
}

func TestTasklessRunsOnceAndCoalesces(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	runs := 0
	tl := NewTaskless(d, func() { runs++ })
	tl.Schedule()
	tl.Schedule() // coalesces with the pending run
	d.RunBottomHalf(0)
	if runs != 1 {
		t.Fatalf("taskless ran %d times, want 1", runs)
	}

	tl.Schedule()
	d.RunBottomHalf(0)
	if runs != 2 {
		t.Fatalf("taskless ran %d times after second schedule, want 2", runs)
	}
}

func TestTasklessDisableSuppressesRun(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	runs := 0
	tl := NewTaskless(d, func() { runs++ })
	tl.Disable()
	tl.Schedule()
	d.RunBottomHalf(0)
	if runs != 0 {
		t.Fatalf("disabled taskless ran")
	}
}
