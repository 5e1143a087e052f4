// Package confirm implements the detection debouncer.
//
// The Engine counts consecutive frames that contain at least one qualifying box.
// When the streak reaches the required length it confirms the strongest box of
// the last frame, opens an ignore window and arms a CooldownTimer. Only the timer
// expiry closes the window and resets the streak.
//
//	idle/accumulating --(count >= required)--> confirmed+ignoring --(cooldown)--> idle
//
// All state lives behind one mutex. Callers see consistent snapshots, and the
// alert publisher reserves a box atomically with the duplicate check.
package confirm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/firewatch/internal/types"
)

// Defaults used when the corresponding Config field is zero
const (
	DefaultThreshold = 0.90
	DefaultRequired  = 5
	DefaultCooldown  = 60 * time.Second
)

// Outcome classifies what a frame did to the engine
type Outcome int

const (
	// NoDetection means no box qualified and the streak was reset
	NoDetection Outcome = iota
	// Accumulating means the frame extended the streak without confirming
	Accumulating
	// Confirmed means this frame completed the streak
	Confirmed
	// Ignored means the frame arrived during the ignore window
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case NoDetection:
		return "no_detection"
	case Accumulating:
		return "accumulating"
	case Confirmed:
		return "confirmed"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Confirmation is handed to the alert publisher
type Confirmation struct {
	Box     types.BoundingBox
	Cycle   uint64
	Count   int
	TraceID string
	At      time.Time
}

// Decision is the result of observing one frame
type Decision struct {
	Outcome   Outcome
	Candidate types.BoundingBox
	Count     int
	// Confirmation is set only when Outcome == Confirmed
	Confirmation *Confirmation
}

// State is a consistent copy of the engine state
type State struct {
	ConsecutiveCount int
	Active           bool
	Ignoring         bool
	LastPublished    *types.BoundingBox
	Cycle            uint64
}

// Config configures the engine
type Config struct {
	Labels []string
	// Threshold is the minimum confidence, inclusive. DefaultThreshold when nil.
	Threshold *float64
	Required  int
	Cooldown  time.Duration
	// OnReset runs after every window close, outside the lock
	OnReset func(State)
}

// Engine is the confirmation state machine
type Engine struct {
	labels    map[string]struct{}
	threshold float64
	required  int
	cooldown  time.Duration
	onReset   func(State)
	timer     *CooldownTimer

	mu               sync.Mutex
	consecutiveCount int
	active           bool
	ignoring         bool
	lastPublished    *types.BoundingBox
	cycle            uint64
	closed           bool

	// Stats
	framesObserved uint64
	framesIgnored  uint64
	confirmations  uint64
	resets         uint64
}

// NewEngine creates an idle engine
func NewEngine(cfg Config) *Engine {
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if cfg.Required <= 0 {
		cfg.Required = DefaultRequired
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}

	labels := make(map[string]struct{}, len(cfg.Labels))
	for _, l := range cfg.Labels {
		labels[l] = struct{}{}
	}

	slog.Info("confirmation engine created",
		"labels", cfg.Labels,
		"threshold", threshold,
		"required_consecutive", cfg.Required,
		"cooldown", cfg.Cooldown,
	)

	return &Engine{
		labels:    labels,
		threshold: threshold,
		required:  cfg.Required,
		cooldown:  cfg.Cooldown,
		onReset:   cfg.OnReset,
		timer:     NewCooldownTimer(),
	}
}

// Qualifies reports whether box counts toward a streak
func (e *Engine) Qualifies(box types.BoundingBox) bool {
	_, ok := e.labels[box.Label]
	return ok && box.Confidence >= e.threshold
}

// candidate returns the qualifying box with the highest confidence.
// Ties keep the first box seen.
func (e *Engine) candidate(frame types.DetectionFrame) (types.BoundingBox, bool) {
	var best types.BoundingBox
	found := false
	for _, box := range frame.Boxes {
		if !e.Qualifies(box) {
			continue
		}
		if !found || box.Confidence > best.Confidence {
			best = box
			found = true
		}
	}
	return best, found
}

// Observe feeds one frame through the state machine
func (e *Engine) Observe(frame types.DetectionFrame) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ignoring || e.closed {
		e.framesIgnored++
		return Decision{Outcome: Ignored, Count: e.consecutiveCount}
	}
	e.framesObserved++

	best, found := e.candidate(frame)
	if !found {
		if e.consecutiveCount > 0 {
			slog.Debug("detection streak broken",
				"previous_count", e.consecutiveCount,
				"frame_seq", frame.Seq,
			)
		}
		e.consecutiveCount = 0
		return Decision{Outcome: NoDetection}
	}

	e.consecutiveCount++
	slog.Debug("qualifying detection",
		"label", best.Label,
		"confidence", best.Confidence,
		"consecutive", e.consecutiveCount,
		"frame_seq", frame.Seq,
	)

	if e.consecutiveCount < e.required || e.active {
		return Decision{Outcome: Accumulating, Candidate: best, Count: e.consecutiveCount}
	}

	// Confirmation: every field below flips inside this critical section
	e.active = true
	e.ignoring = true
	e.cycle++
	e.confirmations++
	cycle := e.cycle

	if err := e.timer.Schedule(e.cooldown, func() { e.expire(cycle) }); err != nil {
		slog.Error("failed to arm cooldown timer",
			"cycle", cycle,
			"error", err,
			"action", "engine stays in ignore window until shutdown")
	}

	conf := &Confirmation{
		Box:     best,
		Cycle:   cycle,
		Count:   e.consecutiveCount,
		TraceID: uuid.NewString(),
		At:      time.Now(),
	}

	slog.Info("detection confirmed",
		"label", best.Label,
		"confidence", best.Confidence,
		"consecutive", e.consecutiveCount,
		"cycle", cycle,
		"trace_id", conf.TraceID,
		"ignore_for", e.cooldown,
	)

	return Decision{
		Outcome:      Confirmed,
		Candidate:    best,
		Count:        e.consecutiveCount,
		Confirmation: conf,
	}
}

// expire is the only path back to idle
func (e *Engine) expire(cycle uint64) {
	e.mu.Lock()
	if e.closed || cycle != e.cycle || !e.ignoring {
		e.mu.Unlock()
		return
	}

	e.active = false
	e.ignoring = false
	e.consecutiveCount = 0
	e.lastPublished = nil
	e.resets++
	state := e.snapshotLocked()
	onReset := e.onReset
	e.mu.Unlock()

	slog.Info("ignore window finished, ready to detect again", "cycle", cycle)

	if onReset != nil {
		onReset(state)
	}
}

// Ignoring reports whether frames are currently being discarded.
// A closed engine always reports true.
func (e *Engine) Ignoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ignoring || e.closed
}

// Snapshot returns a consistent copy of the state
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() State {
	s := State{
		ConsecutiveCount: e.consecutiveCount,
		Active:           e.active,
		Ignoring:         e.ignoring,
		Cycle:            e.cycle,
	}
	if e.lastPublished != nil {
		box := *e.lastPublished
		s.LastPublished = &box
	}
	return s
}

// Idle reports whether no alert is active or cooling down
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.active && !e.ignoring && !e.closed
}

// ReservePublish claims box for publication. It returns false when the same box
// was already published or reserved in this window. The claim is recorded only
// while the window for cycle is still open.
func (e *Engine) ReservePublish(cycle uint64, box types.BoundingBox) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastPublished != nil && e.lastPublished.Equal(box) {
		return false
	}
	if cycle == e.cycle && e.ignoring {
		e.lastPublished = &box
	}
	return true
}

// ReleasePublish drops a claim whose publish failed
func (e *Engine) ReleasePublish(cycle uint64, box types.BoundingBox) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cycle == e.cycle && e.lastPublished != nil && e.lastPublished.Equal(box) {
		e.lastPublished = nil
	}
}

// Close cancels the pending cooldown. The engine ignores all frames afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	if e.timer.Cancel() {
		slog.Info("pending cooldown cancelled", "cycle", e.cycle)
	}
}

// Stats contains engine counters
type Stats struct {
	FramesObserved uint64
	FramesIgnored  uint64
	Confirmations  uint64
	Resets         uint64
	State          State
}

// Stats returns engine statistics
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		FramesObserved: e.framesObserved,
		FramesIgnored:  e.framesIgnored,
		Confirmations:  e.confirmations,
		Resets:         e.resets,
		State:          e.snapshotLocked(),
	}
}
