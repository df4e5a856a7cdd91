package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/clock"
)

func newTestReactor(t *testing.T) (*Reactor, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(clk, zap.NewNop())
	go r.Run(context.Background())
	t.Cleanup(func() { _ = r.Close() })
	return r, clk
}

func TestReactorOrder(t *testing.T) {
	r, _ := newTestReactor(t)
	var seen []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, r.Post(func() { seen = append(seen, i) }))
	}
	require.NoError(t, r.Do(context.Background(), func() {}))
	require.Len(t, seen, 100)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestReactorSurvivesPanic(t *testing.T) {
	r, _ := newTestReactor(t)
	require.NoError(t, r.Post(func() { panic("boom") }))
	ran := false
	require.NoError(t, r.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestReactorTimer(t *testing.T) {
	r, clk := newTestReactor(t)
	fired := 0
	var timer *Timer
	require.NoError(t, r.Do(context.Background(), func() {
		timer = r.AfterFunc(time.Second, func() { fired++ })
	}))

	clk.Advance(time.Second)
	require.NoError(t, r.Do(context.Background(), func() {
		assert.Equal(t, 1, fired)
		assert.False(t, timer.Active())
	}))
}

func TestReactorTimerStoppedAfterQueueing(t *testing.T) {
	r, clk := newTestReactor(t)
	fired := false
	var timer *Timer
	require.NoError(t, r.Do(context.Background(), func() {
		timer = r.AfterFunc(time.Second, func() { fired = true })
	}))

	// The callback is queued by Advance, then the timer is stopped before
	// the queue reaches it.
	require.NoError(t, r.Do(context.Background(), func() {
		clk.Advance(time.Second)
		timer.Stop()
	}))
	require.NoError(t, r.Do(context.Background(), func() {}))
	assert.False(t, fired)
}

func TestReactorClosed(t *testing.T) {
	r, _ := newTestReactor(t)
	require.NoError(t, r.Close())
	<-r.Done()
	assert.ErrorIs(t, r.Post(func() {}), ErrClosed)
}
