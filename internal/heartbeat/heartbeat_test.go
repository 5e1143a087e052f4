package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/firewatch/internal/confirm"
	"github.com/e7canasta/firewatch/internal/types"
)

type fakePublisher struct {
	mu    sync.Mutex
	times []time.Time
	body  []byte
	err   error
	delay time.Duration // simulates a broker that is slow to accept
}

func (f *fakePublisher) Publish(_ string, _ byte, payload []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.times = append(f.times, time.Now())
	f.body = payload
	return nil
}

func (f *fakePublisher) sentBetween(from, to time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ts := range f.times {
		if !ts.Before(from) && ts.Before(to) {
			n++
		}
	}
	return n
}

func (f *fakePublisher) firstAfter(from time.Time) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ts := range f.times {
		if !ts.Before(from) {
			return ts, true
		}
	}
	return time.Time{}, false
}

type gateFunc func() bool

func (g gateFunc) Idle() bool { return g() }

func idle() bool { return true }

func TestTickSendsWhenIdle(t *testing.T) {
	sender := &fakePublisher{}
	h, err := New(Config{SourceID: "RPI_1", Topic: "alerta/fuego"}, sender, gateFunc(idle))
	require.NoError(t, err)

	h.Tick()

	assert.JSONEq(t, `{"rpi_id":"RPI_1","label":"none","status":"OK"}`, string(sender.body))
	assert.Equal(t, Stats{Sent: 1}, h.Stats())
}

func TestTickSuppressedWhileBusy(t *testing.T) {
	sender := &fakePublisher{}
	h, err := New(Config{SourceID: "RPI_1", Topic: "alerta/fuego"}, sender, gateFunc(func() bool { return false }))
	require.NoError(t, err)

	h.Tick()
	h.Tick()

	assert.Equal(t, 0, sender.sentBetween(time.Time{}, time.Now().Add(time.Hour)))
	assert.Equal(t, Stats{Suppressed: 2}, h.Stats())
}

func TestTickFailureKeepsTicking(t *testing.T) {
	sender := &fakePublisher{err: errors.New("not connected")}
	h, err := New(Config{SourceID: "RPI_1", Topic: "alerta/fuego", Interval: 5 * time.Millisecond}, sender, gateFunc(idle))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.Stats().Failed >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// Scenario C with scaled-down durations
func TestHeartbeatSilentDuringCooldown(t *testing.T) {
	const (
		interval = 10 * time.Millisecond
		cooldown = 150 * time.Millisecond
	)

	resetAt := make(chan time.Time, 1)
	engine := confirm.NewEngine(confirm.Config{
		Labels:   []string{"fire"},
		Required: 5,
		Cooldown: cooldown,
		OnReset:  func(confirm.State) { resetAt <- time.Now() },
	})
	defer engine.Close()

	sender := &fakePublisher{}
	h, err := New(Config{SourceID: "RPI_1", Topic: "alerta/fuego", Interval: interval}, sender, engine)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// Idle: heartbeats flow
	require.Eventually(t, func() bool { return h.Stats().Sent >= 3 }, time.Second, interval)

	var confirmedAt, armedAfter time.Time
	for i := 0; i < 5; i++ {
		armedAfter = time.Now()
		d := engine.Observe(types.DetectionFrame{Boxes: []types.BoundingBox{{Label: "fire", Confidence: 0.95}}})
		if d.Outcome == confirm.Confirmed {
			confirmedAt = time.Now()
		}
	}
	require.False(t, confirmedAt.IsZero())

	var reset time.Time
	select {
	case reset = <-resetAt:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reset")
	}

	// The timer was armed after armedAfter, so the window lasts at least until windowEnd.
	// A tick that passed the gate just before the confirmation may land right after it.
	windowEnd := armedAfter.Add(cooldown)
	assert.Equal(t, 0, sender.sentBetween(confirmedAt.Add(interval), windowEnd), "no heartbeat inside the ignore window")
	assert.Greater(t, h.Stats().Suppressed, uint64(0))

	require.Eventually(t, func() bool {
		_, ok := sender.firstAfter(windowEnd)
		return ok
	}, time.Second, interval/2)

	first, _ := sender.firstAfter(windowEnd)
	assert.LessOrEqual(t, first.Sub(reset), 3*interval, "heartbeat resumes within about one tick")
}

func TestSlowPublishDoesNotHoldEngine(t *testing.T) {
	engine := confirm.NewEngine(confirm.Config{Labels: []string{"fire"}, Required: 5, Cooldown: time.Hour})
	defer engine.Close()

	sender := &fakePublisher{delay: 500 * time.Millisecond}
	h, err := New(Config{SourceID: "RPI_1", Topic: "alerta/fuego"}, sender, engine)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.Tick()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	// What the read loop does for every line while the heartbeat is in flight
	start := time.Now()
	for i := 0; i < 5; i++ {
		if !engine.Ignoring() {
			engine.Observe(types.DetectionFrame{Boxes: []types.BoundingBox{{Label: "fire", Confidence: 0.95}}})
		}
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, engine.Ignoring())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not finish")
	}
	assert.Equal(t, uint64(1), h.Stats().Sent)
}
