package eventloop

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestTimerQueueFiresInOrder(t *testing.T) {
	var q TimerQueue
	var fired []int
	q.AddTimer(epoch.Add(3*time.Second), func(time.Time) { fired = append(fired, 3) })
	q.AddTimer(epoch.Add(1*time.Second), func(time.Time) { fired = append(fired, 1) })
	q.AddTimer(epoch.Add(2*time.Second), func(time.Time) { fired = append(fired, 2) })

	next, ok := q.Next()
	if !ok || !next.Equal(epoch.Add(time.Second)) {
		t.Fatalf("Next() = %v, %v; want %v", next, ok, epoch.Add(time.Second))
	}

	if n := q.Fire(epoch.Add(2 * time.Second)); n != 2 {
		t.Fatalf("Fire fired %d timers, want 2", n)
	}
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Fatalf("fired = %v, want [1 2]", fired)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestTimerDisableAndRearm(t *testing.T) {
	var q TimerQueue
	count := 0
	tm := q.AddTimer(epoch.Add(time.Second), func(time.Time) { count++ })
	if !tm.Enabled() {
		t.Fatal("new timer should be armed")
	}

	tm.Disable()
	if tm.Enabled() || q.Len() != 0 {
		t.Fatal("disabled timer still queued")
	}
	tm.Disable() // no-op

	q.Fire(epoch.Add(time.Minute))
	if count != 0 {
		t.Fatal("disabled timer fired")
	}

	tm.SetDeadline(epoch.Add(2 * time.Second))
	if !tm.Enabled() || !tm.Deadline().Equal(epoch.Add(2*time.Second)) {
		t.Fatal("SetDeadline did not re-arm")
	}
	q.Fire(epoch.Add(2 * time.Second))
	if count != 1 || tm.Enabled() {
		t.Fatalf("count = %d, enabled = %v after firing", count, tm.Enabled())
	}
}

func TestTimerMoveDeadline(t *testing.T) {
	var q TimerQueue
	var fired []string
	a := q.AddTimer(epoch.Add(time.Second), func(time.Time) { fired = append(fired, "a") })
	q.AddTimer(epoch.Add(2*time.Second), func(time.Time) { fired = append(fired, "b") })

	a.SetDeadline(epoch.Add(3 * time.Second))
	next, _ := q.Next()
	if !next.Equal(epoch.Add(2 * time.Second)) {
		t.Fatalf("Next() = %v after moving a later", next)
	}
	q.Fire(epoch.Add(5 * time.Second))
	if len(fired) != 2 || fired[0] != "b" || fired[1] != "a" {
		t.Fatalf("fired = %v, want [b a]", fired)
	}
}

func TestTimerCallbackRearms(t *testing.T) {
	var q TimerQueue
	count := 0
	var tm interface{ SetDeadline(time.Time) }
	tm = q.AddTimer(epoch, func(now time.Time) {
		count++
		if count < 3 {
			tm.SetDeadline(now.Add(time.Second))
		}
	})
	q.Fire(epoch)
	q.Fire(epoch.Add(time.Second))
	q.Fire(epoch.Add(2 * time.Second))
	q.Fire(epoch.Add(3 * time.Second))
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}
