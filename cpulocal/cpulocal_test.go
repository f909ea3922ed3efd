package cpulocal

import (
	"testing"

	"ostd/arch"
	"ostd/arch/hosted"
)

func pinned(t *testing.T, b *hosted.Backend, id arch.HwCpuId) func() {
	t.Helper()
	unpin, err := b.PinCurrentCPU(id)
	if err != nil {
		t.Fatalf("PinCurrentCPU: %v", err)
	}
	return unpin
}

func TestCellIsPerCPU(t *testing.T) {
	b := hosted.New(2)
	rt := New(b)
	cell := NewCell(rt, func(cpu arch.HwCpuId) int { return int(cpu) * 10 })

	unpin := pinned(t, b, 0)
	if got := *cell.Current(); got != 0 {
		t.Fatalf("cpu0 initial value = %d, want 0", got)
	}
	*cell.Current() = 99
	unpin()

	unpin = pinned(t, b, 1)
	defer unpin()
	if got := *cell.Current(); got != 10 {
		t.Fatalf("cpu1 value = %d, want 10 (must not see cpu0's write)", got)
	}
}

func TestIrqGuardNesting(t *testing.T) {
	b := hosted.New(1)
	rt := New(b)
	unpin := pinned(t, b, 0)
	defer unpin()

	if !b.IsLocalIRQEnabled() {
		t.Fatalf("expected IRQs enabled initially")
	}
	g1 := rt.DisableIrq()
	if b.IsLocalIRQEnabled() {
		t.Fatalf("expected IRQs disabled after DisableIrq")
	}
	g2 := rt.DisableIrq()
	g2.Release()
	if b.IsLocalIRQEnabled() || !rt.IsIrqDisabled() {
		t.Fatalf("inner Release must not re-enable IRQs while outer guard is held")
	}
	g1.Release()
	if !b.IsLocalIRQEnabled() {
		t.Fatalf("expected IRQs re-enabled after outermost Release")
	}
	if rt.IsPreemptDisabled() {
		t.Fatalf("expected preempt depth to unwind with irq guards")
	}
}

func TestPreemptGuardComposesWithIrq(t *testing.T) {
	b := hosted.New(1)
	rt := New(b)
	unpin := pinned(t, b, 0)
	defer unpin()

	p := rt.DisablePreempt()
	irq := rt.DisableIrq()
	if !rt.IsPreemptDisabled() {
		t.Fatalf("expected preempt disabled while either guard is held")
	}
	irq.Release()
	if !rt.IsPreemptDisabled() {
		t.Fatalf("expected preempt still disabled: outer DisablePreempt guard is live")
	}
	p.Release()
	if rt.IsPreemptDisabled() {
		t.Fatalf("expected preempt enabled after both guards released")
	}
}

func TestBottomHalfGuard(t *testing.T) {
	b := hosted.New(1)
	rt := New(b)
	unpin := pinned(t, b, 0)
	defer unpin()

	if rt.IsBottomHalfDisabled() {
		t.Fatalf("expected bottom half enabled initially")
	}
	g := rt.DisableBottomHalf()
	if !rt.IsBottomHalfDisabled() {
		t.Fatalf("expected bottom half disabled")
	}
	g.Release()
	if rt.IsBottomHalfDisabled() {
		t.Fatalf("expected bottom half re-enabled after release")
	}
}
