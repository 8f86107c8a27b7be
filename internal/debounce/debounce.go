// Package debounce implements the reset-on-event rescan timer shared by
// applications, permissions and users: an event schedules a fire after a
// fixed delay, and any further event before it fires restarts the delay
// instead of coalescing with it. This is deliberately not later.Deferred,
// whose schedule is idempotent-while-pending (first wins); the three
// watchers in the original each called g_timeout_add /
// g_source_remove directly instead of going through later_t, and always
// replaced the pending timeout rather than leaving the first one standing.
package debounce

import (
	"time"

	"github.com/sailfishos/sailjaild/internal/later"
)

// Timer is a single reset-on-event debounce. The zero value is not usable;
// construct with New.
type Timer struct {
	loop  *later.Loop
	delay time.Duration
	fn    func()
	timer *time.Timer
}

// New creates a Timer bound to loop. fn runs on the loop (as an idle,
// priority-0 job) once delay has elapsed with no further Trigger calls.
func New(loop *later.Loop, delay time.Duration, fn func()) *Timer {
	return &Timer{loop: loop, delay: delay, fn: fn}
}

// Trigger (re)schedules the fire, restarting the delay if one was already
// pending.
func (t *Timer) Trigger() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.delay, func() {
		t.loop.New("debounce-fire", 0, 0, t.fn).Schedule()
	})
}

// Cancel disarms any pending fire, reporting whether one was pending.
func (t *Timer) Cancel() bool {
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	return true
}

// Pending reports whether a fire is currently scheduled.
func (t *Timer) Pending() bool {
	return t.timer != nil
}
