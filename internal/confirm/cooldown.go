package confirm

import (
	"errors"
	"sync"
	"time"
)

// ErrTimerArmed is returned when Schedule is called while a callback is pending
var ErrTimerArmed = errors.New("confirm: cooldown timer already armed")

// CooldownTimer is a cancellable one-shot delayed callback.
// At most one callback is pending at a time.
type CooldownTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
}

// NewCooldownTimer creates an unarmed timer
func NewCooldownTimer() *CooldownTimer {
	return &CooldownTimer{}
}

// Schedule arms the timer to call onExpire once after d
func (t *CooldownTimer) Schedule(d time.Duration, onExpire func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending {
		return ErrTimerArmed
	}

	t.gen++
	gen := t.gen
	t.pending = true

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		// A Cancel or re-arm between the runtime firing and this point wins
		if !t.pending || t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.pending = false
		t.mu.Unlock()

		onExpire()
	})

	return nil
}

// Cancel aborts the pending callback. Returns false if nothing was pending.
func (t *CooldownTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pending {
		return false
	}

	t.pending = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Pending reports whether a callback is armed
func (t *CooldownTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
