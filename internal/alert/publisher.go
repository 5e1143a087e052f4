package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/firewatch/internal/confirm"
	"github.com/e7canasta/firewatch/internal/emitter"
	"github.com/e7canasta/firewatch/internal/types"
)

// Ledger remembers the last box published in the current ignore window.
// ReservePublish checks for a duplicate and claims the box in one step.
type Ledger interface {
	ReservePublish(cycle uint64, box types.BoundingBox) bool
	ReleasePublish(cycle uint64, box types.BoundingBox)
}

// Config configures the alert publisher
type Config struct {
	SourceID string
	Topic    string
	QoS      byte
}

// Publisher turns confirmations into alert messages
type Publisher struct {
	cfg    Config
	pub    emitter.Publisher
	ledger Ledger

	published  atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
}

// NewPublisher creates an alert publisher
func NewPublisher(cfg Config, pub emitter.Publisher, ledger Ledger) *Publisher {
	return &Publisher{cfg: cfg, pub: pub, ledger: ledger}
}

// Publish sends the alert for conf unless the same box was already published in
// this window. A failure releases the claim on the box and is not retried.
func (p *Publisher) Publish(ctx context.Context, conf confirm.Confirmation) error {
	if !p.ledger.ReservePublish(conf.Cycle, conf.Box) {
		p.duplicates.Add(1)
		slog.Info("ignoring duplicate publication of the same detection",
			"label", conf.Box.Label,
			"cycle", conf.Cycle,
			"trace_id", conf.TraceID,
		)
		return nil
	}

	if err := ctx.Err(); err != nil {
		p.ledger.ReleasePublish(conf.Cycle, conf.Box)
		p.failed.Add(1)
		return fmt.Errorf("alert not published: %w", err)
	}

	msg := types.NewAlertMessage(p.cfg.SourceID, conf.Box)
	payload, err := msg.ToJSON()
	if err != nil {
		p.ledger.ReleasePublish(conf.Cycle, conf.Box)
		p.failed.Add(1)
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if err := p.pub.Publish(p.cfg.Topic, p.cfg.QoS, payload); err != nil {
		p.ledger.ReleasePublish(conf.Cycle, conf.Box)
		p.failed.Add(1)
		slog.Error("failed to publish alert",
			"topic", p.cfg.Topic,
			"label", conf.Box.Label,
			"cycle", conf.Cycle,
			"trace_id", conf.TraceID,
			"error", err,
			"action", "alert dropped, next confirmation cycle may retry")
		return fmt.Errorf("publish alert: %w", err)
	}

	p.published.Add(1)

	slog.Info("alert sent",
		"topic", p.cfg.Topic,
		"rpi_id", msg.SourceID,
		"label", msg.Label,
		"confidence", msg.Confidence,
		"center_x", msg.CenterX,
		"center_y", msg.CenterY,
		"cycle", conf.Cycle,
		"trace_id", conf.TraceID,
	)

	return nil
}

// Stats contains publisher counters
type Stats struct {
	Published  uint64
	Duplicates uint64
	Failed     uint64
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:  p.published.Load(),
		Duplicates: p.duplicates.Load(),
		Failed:     p.failed.Load(),
	}
}
