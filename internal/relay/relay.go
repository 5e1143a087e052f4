// Package relay forwards alert messages from one MQTT topic to another when
// their label matches a fixed value. Matching payloads are republished byte for
// byte; everything else is dropped.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/firewatch/internal/emitter"
)

// Rule is the static filter-and-forward configuration
type Rule struct {
	SourceTopic string
	DestTopic   string
	Label       string
	QoS         byte
}

// Transport is what the relay needs from the MQTT client
type Transport interface {
	emitter.Publisher
	emitter.Subscriber
}

// Relay subscribes to Rule.SourceTopic and forwards matching messages
type Relay struct {
	rule      Rule
	transport Transport

	received  atomic.Uint64
	forwarded atomic.Uint64
	filtered  atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay
func New(rule Rule, transport Transport) *Relay {
	return &Relay{rule: rule, transport: transport}
}

// Start subscribes to the source topic
func (r *Relay) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.transport.Subscribe(r.rule.SourceTopic, r.rule.QoS, r.Handle); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	slog.Info("relay listening",
		"source_topic", r.rule.SourceTopic,
		"dest_topic", r.rule.DestTopic,
		"label", r.rule.Label,
	)
	return nil
}

// Stop unsubscribes from the source topic
func (r *Relay) Stop() error {
	if err := r.transport.Unsubscribe(r.rule.SourceTopic); err != nil {
		return fmt.Errorf("relay unsubscribe: %w", err)
	}
	slog.Info("relay stopped",
		"received", r.received.Load(),
		"forwarded", r.forwarded.Load(),
		"filtered", r.filtered.Load(),
	)
	return nil
}

// labelOnly decodes just the field the filter needs
type labelOnly struct {
	Label *string `json:"label"`
}

// Handle filters one message and forwards it when the label matches
func (r *Relay) Handle(payload []byte) {
	r.received.Add(1)

	var msg labelOnly
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.malformed.Add(1)
		slog.Error("failed to parse relayed message",
			"topic", r.rule.SourceTopic,
			"error", err,
			"size", len(payload),
		)
		return
	}

	if msg.Label == nil || *msg.Label != r.rule.Label {
		r.filtered.Add(1)
		return
	}

	if err := r.transport.Publish(r.rule.DestTopic, r.rule.QoS, payload); err != nil {
		r.failed.Add(1)
		slog.Error("failed to forward message",
			"dest_topic", r.rule.DestTopic,
			"error", err,
		)
		return
	}

	r.forwarded.Add(1)
	slog.Info("message forwarded",
		"label", *msg.Label,
		"source_topic", r.rule.SourceTopic,
		"dest_topic", r.rule.DestTopic,
	)
}

// Stats contains relay counters
type Stats struct {
	Received  uint64
	Forwarded uint64
	Filtered  uint64
	Malformed uint64
	Failed    uint64
}

// Stats returns relay statistics
func (r *Relay) Stats() Stats {
	return Stats{
		Received:  r.received.Load(),
		Forwarded: r.forwarded.Load(),
		Filtered:  r.filtered.Load(),
		Malformed: r.malformed.Load(),
		Failed:    r.failed.Load(),
	}
}
