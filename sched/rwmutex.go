package sched

import "sync/atomic"

// Bit layout grounded on original_source's
// framework/jinux-frame/src/sync/rwmutex.rs: the low bits count
// readers, the top bit marks a writer holding exclusive access (a
// waiting writer sets nothing), and rwMaxReader bounds the reader
// count so it never collides with the writer bit.
const (
	rwReader    uint64 = 1
	rwWriter    uint64 = 1 << 63
	rwMaxReader uint64 = rwWriter >> 1
)

// RwMutex is a blocking, sleep-based reader/writer lock: unlike
// ksync.RwLock it parks waiters instead of spinning, so it is only
// safe to use from task context with preemption and IRQs enabled
// (spec.md's supplemental blocking rwlock, see SPEC_FULL.md §3).
type RwMutex[T any] struct {
	state atomic.Uint64
	wq    *WaitQueue
	val   T
}

// NewRwMutex creates an unlocked blocking rwlock guarding val.
func NewRwMutex[T any](val T) *RwMutex[T] {
	return &RwMutex[T]{wq: NewWaitQueue(), val: val}
}

// TryRLock attempts to acquire a read lock without blocking.
func (m *RwMutex[T]) TryRLock() (*RwGuard[T], bool) {
	for {
		cur := m.state.Load()
		if cur >= rwMaxReader {
			return nil, false
		}
		if m.state.CompareAndSwap(cur, cur+rwReader) {
			return &RwGuard[T]{m: m, write: false}, true
		}
	}
}

// RLock blocks the calling task until a read lock is acquired.
func (m *RwMutex[T]) RLock(t *Task) *RwGuard[T] {
	g := WaitUntil(m.wq, t, func() *RwGuard[T] {
		if g, ok := m.TryRLock(); ok {
			return g
		}
		return nil
	})
	return &g
}

// TryWLock attempts to acquire the exclusive lock without blocking.
func (m *RwMutex[T]) TryWLock() (*RwGuard[T], bool) {
	if m.state.CompareAndSwap(0, rwWriter) {
		return &RwGuard[T]{m: m, write: true}, true
	}
	return nil, false
}

// WLock blocks the calling task until the exclusive lock is acquired.
func (m *RwMutex[T]) WLock(t *Task) *RwGuard[T] {
	g := WaitUntil(m.wq, t, func() *RwGuard[T] {
		if g, ok := m.TryWLock(); ok {
			return g
		}
		return nil
	})
	return &g
}

// RwGuard is the held-lock token returned by RwMutex's lock methods.
type RwGuard[T any] struct {
	m     *RwMutex[T]
	write bool
}

// Get returns a pointer to the guarded value. Write guards may mutate
// through it; read guards should treat it as read-only by convention
// (the type system cannot enforce that without splitting accessors).
func (g *RwGuard[T]) Get() *T { return &g.m.val }

// Unlock releases the guard and wakes waiters that can now proceed.
func (g *RwGuard[T]) Unlock() {
	if g.write {
		g.m.state.Store(0)
	} else {
		g.m.state.Add(^rwReader + 1) // two's-complement -rwReader
	}
	g.m.wq.WakeAll()
}
