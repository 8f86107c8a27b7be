// Package later implements Deferred: a named, priority-tagged one-shot job
// that coalesces repeated schedule requests. Grounded on the original
// implementation's later_t (daemon/later.c), which rides GLib's idle/timeout
// sources; here a Loop goroutine plays the part of the GLib main loop.
package later

import (
	"container/heap"
	"time"
)

// Loop is a single-goroutine scheduler. All Deferred values created via
// loop.New share the loop's readyCh and its priority heap, which is what
// gives same-tick deferred jobs their priority ordering (lower Priority runs
// first), mirroring g_idle_add_full/g_timeout_add_full priority semantics.
type Loop struct {
	readyCh chan *Deferred
	pending pendingHeap
	seq     int
}

// NewLoop creates a Loop. Run must be called (typically in its own
// goroutine, or driven from an existing event loop) to actually execute
// scheduled jobs.
func NewLoop() *Loop {
	return &Loop{readyCh: make(chan *Deferred, 64)}
}

// Run services scheduled jobs until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case d := <-l.readyCh:
			if d == nil {
				continue
			}
			heap.Push(&l.pending, d)
			l.drain()
		}
	}
}

// drain runs every job that is currently ready, lowest priority value first,
// without blocking for more to arrive; this is what makes three same-tick
// notifications (applications-changed, settings-changed, broadcast) observe
// strict priority order instead of arrival order.
func (l *Loop) drain() {
	for {
		select {
		case d := <-l.readyCh:
			if d != nil {
				heap.Push(&l.pending, d)
			}
		default:
			if l.pending.Len() == 0 {
				return
			}
			d := heap.Pop(&l.pending).(*Deferred)
			if !d.pending {
				continue // canceled after it was posted
			}
			d.runNow()
		}
	}
}

// Deferred is a named, priority-tagged one-shot job. The zero value is not
// usable; construct with (*Loop).New.
type Deferred struct {
	loop     *Loop
	label    string
	priority int
	delay    time.Duration
	fn       func()
	timer    *time.Timer
	seq      int
	pending  bool
}

// New creates a Deferred bound to the loop. delay of zero schedules it as an
// "idle" job (runs on the very next drain); a positive delay schedules it as
// a timeout.
func (l *Loop) New(label string, priority int, delay time.Duration, fn func()) *Deferred {
	return &Deferred{loop: l, label: label, priority: priority, delay: delay, fn: fn}
}

// Schedule arms the job if it is not already pending. Repeated calls while
// pending are idempotent: the first schedule wins, matching later_schedule's
// "if (!self->id)" guard.
func (d *Deferred) Schedule() {
	if d.pending {
		return
	}
	d.pending = true
	d.seq = d.loop.nextSeq()
	if d.delay <= 0 {
		d.loop.readyCh <- d
		return
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.loop.readyCh <- d
	})
}

// Cancel disarms the job if pending.
func (d *Deferred) Cancel() {
	if !d.pending {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
}

// Execute cancels any pending schedule and invokes the job synchronously,
// right now, on the caller's goroutine.
func (d *Deferred) Execute() {
	d.Cancel()
	d.fn()
}

// Pending reports whether the job is currently scheduled.
func (d *Deferred) Pending() bool {
	return d.pending
}

func (d *Deferred) runNow() {
	d.pending = false
	d.timer = nil
	d.fn()
}

func (l *Loop) nextSeq() int {
	l.seq++
	return l.seq
}

type pendingHeap []*Deferred

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*Deferred))
}
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
