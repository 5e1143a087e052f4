package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/firewatch/internal/emitter"
	"github.com/e7canasta/firewatch/internal/types"
)

// Gate reports whether no alert is active or cooling down
type Gate interface {
	Idle() bool
}

// Config configures the emitter
type Config struct {
	SourceID string
	Topic    string
	QoS      byte
	Interval time.Duration
}

// Emitter publishes a liveness message every Interval while the gate is idle
type Emitter struct {
	cfg     Config
	pub     emitter.Publisher
	gate    Gate
	payload []byte

	sent       atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
}

// New creates a heartbeat emitter
func New(cfg Config, pub emitter.Publisher, gate Gate) (*Emitter, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	payload, err := types.NewHeartbeatMessage(cfg.SourceID).ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	return &Emitter{cfg: cfg, pub: pub, gate: gate, payload: payload}, nil
}

// Run ticks until ctx is cancelled
func (h *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	slog.Info("heartbeat started", "topic", h.cfg.Topic, "interval", h.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped",
				"sent", h.sent.Load(),
				"suppressed", h.suppressed.Load(),
				"failed", h.failed.Load(),
			)
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Tick emits one heartbeat if the gate is idle. The engine lock is held only for
// the check; the publish runs outside it so a slow broker never delays frames.
func (h *Emitter) Tick() {
	if !h.gate.Idle() {
		h.suppressed.Add(1)
		return
	}

	if err := h.pub.Publish(h.cfg.Topic, h.cfg.QoS, h.payload); err != nil {
		h.failed.Add(1)
		slog.Warn("failed to publish heartbeat", "topic", h.cfg.Topic, "error", err)
		return
	}

	h.sent.Add(1)
}

// Stats contains heartbeat counters
type Stats struct {
	Sent       uint64
	Suppressed uint64
	Failed     uint64
}

// Stats returns heartbeat statistics
func (h *Emitter) Stats() Stats {
	return Stats{
		Sent:       h.sent.Load(),
		Suppressed: h.suppressed.Load(),
		Failed:     h.failed.Load(),
	}
}
