package timer

import (
	"testing"

	"ostd/arch"
	"ostd/arch/hosted"
	"ostd/cpulocal"
	"ostd/ksync"
)

func pinned(t *testing.T, b *hosted.Backend, cpu int) func() {
	t.Helper()
	unpin, err := b.PinCurrentCPU(arch.HwCpuId(cpu))
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	return unpin
}

func TestCancelledCallbackIsSkipped(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	for i := 0; i < 1000; i++ {
		d.Tick()
	}
	if d.Now() != 1000 {
		t.Fatalf("Now() = %d, want 1000", d.Now())
	}

	var ranA, ranB bool
	a := d.AddTimeoutList(10, func() { ranA = true })
	_ = d.AddTimeoutList(10, func() { ranB = true })

	for d.Now() < 1005 {
		d.Tick()
	}
	a.Cancel()
	for d.Now() < 1010 {
		d.Tick()
	}

	if ranA {
		t.Fatalf("cancelled callback A ran")
	}
	if !ranB {
		t.Fatalf("callback B never ran")
	}

	g := d.heap.Lock(ksync.IrqDisabled)
	defer g.Unlock()
	if g.Get().Len() != 0 {
		t.Fatalf("heap should be empty after both nodes popped, has %d entries", g.Get().Len())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	runs := 0
	cb := d.AddTimeoutList(1, func() { runs++ })
	cb.Cancel()
	cb.Cancel()
	cb.Cancel()
	d.Tick()
	if runs != 0 {
		t.Fatalf("cancelled callback ran %d times, want 0", runs)
	}
}

func TestFiresExactlyOnceAtOrAfterExpire(t *testing.T) {
	b := hosted.New(1)
	rt := cpulocal.New(b)
	d := NewDomain(rt)
	unpin := pinned(t, b, 0)
	defer unpin()

	runs := 0
	d.AddTimeoutList(3, func() { runs++ })
	d.Tick()
	d.Tick()
	if runs != 0 {
		t.Fatalf("callback fired early, runs=%d", runs)
	}
	d.Tick()
	if runs != 1 {
		t.Fatalf("callback should have fired exactly once by tick 3, runs=%d", runs)
	}
	d.Tick()
	if runs != 1 {
		t.Fatalf("callback fired again on a later tick, runs=%d", runs)
	}
}
