package unit

import (
	"time"

	"github.com/sunlightlinux/slunit/internal/util"
)

// armTimer points the unit's timer at deadline, creating it bound to
// the unit's DispatchTimer on first use. A zero deadline stands for
// infinity and leaves the timer disabled. It may be called from inside
// DispatchTimer to arm the next phase.
func (r *UnitRecord) armTimer(deadline time.Time) {
	if r.timer != nil {
		if deadline.IsZero() {
			r.timer.Disable()
			return
		}
		r.timer.SetDeadline(deadline)
		return
	}
	if deadline.IsZero() {
		return
	}
	self := r.self
	r.timer = r.mgr.timers.AddTimer(deadline, func(now time.Time) {
		self.DispatchTimer(now)
	})
}

// disarmTimer disables the unit's timer if it has one.
func (r *UnitRecord) disarmTimer() {
	if r.timer != nil {
		r.timer.Disable()
	}
}

// TimerDeadline returns the pending deadline, or zero when disarmed.
func (r *UnitRecord) TimerDeadline() time.Time {
	if r.timer == nil || !r.timer.Enabled() {
		return time.Time{}
	}
	return r.timer.Deadline()
}

// deadlineAfter returns base+timeout, or zero for an infinite timeout.
func deadlineAfter(base time.Time, timeout time.Duration) time.Time {
	if timeout <= 0 || timeout == util.Infinity {
		return time.Time{}
	}
	return base.Add(timeout)
}
