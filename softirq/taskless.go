package softirq

import "sync/atomic"

// tasklessLine is the single shared line every Taskless on a Domain
// piggybacks on, matching original_source's
// kernel/comps/softirq/src/taskless.rs: rather than every one-shot
// deferred closure registering its own line, they all share one and
// the pass loops over whichever Tasklesses were scheduled since the
// last drain.
const tasklessLine = NRLines - 1

// Taskless is a reusable one-shot deferred closure: Schedule marks it
// pending and raises the shared taskless line; the next bottom-half
// pass on this CPU runs its function exactly once per Schedule call
// (back-to-back Schedule calls before the pass runs coalesce into one
// invocation, matching the original's "already scheduled" check).
type Taskless struct {
	d         *Domain
	fn        func()
	scheduled atomic.Bool
	disabled  atomic.Bool
}

// NewTaskless creates a Taskless bound to d, running fn when
// scheduled. The shared taskless line is lazily enabled the first
// time any Taskless is constructed for d.
func NewTaskless(d *Domain, fn func()) *Taskless {
	t := &Taskless{d: d, fn: fn}
	d.tasklessMu.Lock()
	first := len(d.tasklessList) == 0
	d.tasklessList = append(d.tasklessList, t)
	d.tasklessMu.Unlock()
	if first {
		_ = d.Enable(tasklessLine, d.runTasklessPass)
	}
	return t
}

func (d *Domain) runTasklessPass() {
	d.tasklessMu.Lock()
	snapshot := append([]*Taskless(nil), d.tasklessList...)
	d.tasklessMu.Unlock()
	for _, t := range snapshot {
		if !t.scheduled.CompareAndSwap(true, false) {
			continue
		}
		if t.disabled.Load() {
			continue
		}
		t.fn()
	}
}

// Schedule marks t pending and raises the shared taskless line on the
// calling CPU. Safe to call repeatedly; back-to-back calls before the
// pass runs still invoke fn exactly once.
func (t *Taskless) Schedule() {
	if t.scheduled.CompareAndSwap(false, true) {
		t.d.Raise(tasklessLine)
	}
}

// Disable prevents future scheduled runs from invoking fn until
// Enable is called again; an invocation already in flight still
// completes.
func (t *Taskless) Disable() { t.disabled.Store(true) }

// Enable re-permits fn to run on future Schedule calls.
func (t *Taskless) Enable() { t.disabled.Store(false) }
