package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Hour, func() { fired = append(fired, "second") })
	c.AfterFunc(time.Hour, func() { fired = append(fired, "first") })
	c.AfterFunc(5*time.Hour, func() { fired = append(fired, "late") })

	c.Advance(3 * time.Hour)

	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, start.Add(3*time.Hour), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Now())
	fired := false
	timer := c.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFake_TimerScheduledFromCallbackFires(t *testing.T) {
	c := NewFake(time.Now())
	count := 0
	c.AfterFunc(time.Minute, func() {
		count++
		c.AfterFunc(0, func() { count++ })
	})

	c.Advance(time.Minute)
	assert.Equal(t, 2, count)
}

func TestFake_NowInsideCallbackIsDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	var seen time.Time
	c.AfterFunc(90*time.Minute, func() { seen = c.Now() })

	c.Advance(4 * time.Hour)
	assert.Equal(t, start.Add(90*time.Minute), seen)
}
