package eventloop

import (
	"container/heap"
	"time"

	"github.com/sunlightlinux/slunit/pkg/unit"
)

// Timer is a oneshot deadline owned by a single unit or job. Its
// callback runs on the loop goroutine.
type Timer struct {
	q        *TimerQueue
	deadline time.Time
	fn       func(now time.Time)
	index    int // position in the heap, -1 when disarmed
}

// SetDeadline (re)arms the timer.
func (t *Timer) SetDeadline(d time.Time) {
	t.deadline = d
	if t.index >= 0 {
		heap.Fix(&t.q.h, t.index)
		return
	}
	heap.Push(&t.q.h, t)
}

// Deadline returns the last deadline set, armed or not.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Enabled reports whether the timer is armed.
func (t *Timer) Enabled() bool { return t.index >= 0 }

// Disable disarms the timer.
func (t *Timer) Disable() {
	if t.index >= 0 {
		heap.Remove(&t.q.h, t.index)
	}
}

// TimerQueue orders armed timers by deadline. It is not safe for
// concurrent use.
type TimerQueue struct {
	h timerHeap
}

// AddTimer creates an armed timer.
func (q *TimerQueue) AddTimer(deadline time.Time, fn func(now time.Time)) unit.TimerSource {
	t := &Timer{q: q, deadline: deadline, fn: fn, index: -1}
	heap.Push(&q.h, t)
	return t
}

// Next returns the earliest armed deadline.
func (q *TimerQueue) Next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].deadline, true
}

// Len returns the number of armed timers.
func (q *TimerQueue) Len() int { return len(q.h) }

// Fire disarms and runs every timer due at now, earliest first. A
// callback may re-arm its own timer or others.
func (q *TimerQueue) Fire(now time.Time) int {
	n := 0
	for len(q.h) > 0 && !q.h[0].deadline.After(now) {
		t := heap.Pop(&q.h).(*Timer)
		t.fn(now)
		n++
	}
	return n
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
