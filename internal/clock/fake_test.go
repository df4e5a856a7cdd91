package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	var fired []time.Time
	c.AfterFunc(2*time.Second, func() { fired = append(fired, c.Now()) })
	c.AfterFunc(time.Second, func() { fired = append(fired, c.Now()) })
	assert.Equal(t, 2, c.Pending())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, []time.Time{epoch.Add(time.Second)}, fired)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), c.Now())

	c.Advance(time.Second)
	assert.Len(t, fired, 2)
	assert.Equal(t, epoch.Add(2*time.Second), fired[1])
	assert.Zero(t, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFakeChainedTimers(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
	assert.Equal(t, 1, c.Pending())
}
