package confirm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldownTimerFiresOnce(t *testing.T) {
	timer := NewCooldownTimer()

	fired := make(chan struct{}, 2)
	require.NoError(t, timer.Schedule(10*time.Millisecond, func() { fired <- struct{}{} }))
	assert.True(t, timer.Pending())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for expiry")
	}

	select {
	case <-fired:
		t.Fatal("callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, timer.Pending())
}

func TestCooldownTimerArmTwice(t *testing.T) {
	timer := NewCooldownTimer()
	defer timer.Cancel()

	require.NoError(t, timer.Schedule(time.Hour, func() {}))
	err := timer.Schedule(time.Hour, func() {})
	assert.ErrorIs(t, err, ErrTimerArmed)
}

func TestCooldownTimerCancel(t *testing.T) {
	timer := NewCooldownTimer()

	var fired atomic.Bool
	require.NoError(t, timer.Schedule(20*time.Millisecond, func() { fired.Store(true) }))

	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel(), "second cancel has nothing to abort")

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled callback must never run")
	assert.False(t, timer.Pending())
}

func TestCooldownTimerRearmAfterExpiry(t *testing.T) {
	timer := NewCooldownTimer()

	fired := make(chan int, 2)
	require.NoError(t, timer.Schedule(5*time.Millisecond, func() { fired <- 1 }))
	select {
	case v := <-fired:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first expiry")
	}

	require.NoError(t, timer.Schedule(5*time.Millisecond, func() { fired <- 2 }))
	select {
	case v := <-fired:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second expiry")
	}
}
