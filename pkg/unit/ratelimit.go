package unit

import "time"

// RateLimit allows Burst events per Interval.
type RateLimit struct {
	Interval time.Duration
	Burst    int

	begin time.Time
	num   int
}

// Below records an event at now and reports whether it is within the
// limit. A zero Interval or Burst disables limiting.
func (rl *RateLimit) Below(now time.Time) bool {
	if rl.Interval <= 0 || rl.Burst <= 0 {
		return true
	}
	if rl.begin.IsZero() || now.Sub(rl.begin) >= rl.Interval || now.Before(rl.begin) {
		rl.begin = now
		rl.num = 1
		return true
	}
	if rl.num < rl.Burst {
		rl.num++
		return true
	}
	return false
}

// Reset forgets recorded events.
func (rl *RateLimit) Reset() {
	rl.begin = time.Time{}
	rl.num = 0
}
