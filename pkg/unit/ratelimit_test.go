package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimit(t *testing.T) {
	rl := RateLimit{Interval: 10 * time.Second, Burst: 3}
	now := testEpoch

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Below(now.Add(time.Duration(i)*time.Second)), "event %d", i)
	}
	assert.False(t, rl.Below(now.Add(5*time.Second)))

	// A new interval starts counting afresh.
	assert.True(t, rl.Below(now.Add(10*time.Second)))

	rl.Reset()
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Below(now))
	}
	assert.False(t, rl.Below(now))

	// Clock going backwards restarts the interval.
	assert.True(t, rl.Below(now.Add(-time.Minute)))
}

func TestRateLimitDisabled(t *testing.T) {
	for _, rl := range []RateLimit{{Burst: 1}, {Interval: time.Second}} {
		for i := 0; i < 10; i++ {
			assert.True(t, rl.Below(testEpoch))
		}
	}
}
