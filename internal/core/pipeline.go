package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/firewatch/internal/alert"
	"github.com/e7canasta/firewatch/internal/config"
	"github.com/e7canasta/firewatch/internal/confirm"
	"github.com/e7canasta/firewatch/internal/emitter"
	"github.com/e7canasta/firewatch/internal/heartbeat"
	"github.com/e7canasta/firewatch/internal/parser"
	"github.com/e7canasta/firewatch/internal/runner"
)

// ErrRunnerExited is returned by Run when the detection program stops on its own
var ErrRunnerExited = errors.New("runner exited")

const (
	defaultStatsInterval = 30 * time.Second
	runnerReapTimeout    = 2 * time.Second
)

// LineSource produces the detection program's output lines
type LineSource interface {
	Start(ctx context.Context) error
	Lines() <-chan string
	Done() <-chan struct{}
	Err() error
	Stop() error
	Metrics() runner.Metrics
}

// Transport is the MQTT connection shared by alerts and heartbeats
type Transport interface {
	emitter.Publisher
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Stats() emitter.Stats
}

// Deps overrides the default runner, MQTT client and timings. Zero fields are
// taken from the configuration.
type Deps struct {
	Source            LineSource
	Transport         Transport
	StatsInterval     time.Duration
	Cooldown          time.Duration
	HeartbeatInterval time.Duration
}

// Pipeline wires the runner output through the parser and confirmation engine
// into alert and heartbeat publication.
type Pipeline struct {
	cfg *config.Config

	source    LineSource
	transport Transport
	parser    *parser.Parser
	engine    *confirm.Engine
	publisher *alert.Publisher
	heartbeat *heartbeat.Emitter
	health    *http.Server

	statsInterval time.Duration

	// Lifecycle
	started      time.Time
	mu           sync.RWMutex
	wg           sync.WaitGroup
	isRunning    bool
	cancel       context.CancelFunc
	sourceClosed chan struct{}
	shutdownOnce sync.Once

	linesSkipped atomic.Uint64
}

// New builds a pipeline from a validated configuration
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &Pipeline{
		cfg:           cfg,
		source:        deps.Source,
		transport:     deps.Transport,
		parser:        parser.New(cfg.Detection.Marker),
		statsInterval: deps.StatsInterval,
		sourceClosed:  make(chan struct{}),
	}
	if p.statsInterval <= 0 {
		p.statsInterval = defaultStatsInterval
	}

	if p.source == nil {
		p.source = runner.New(runner.Config{
			Path:      cfg.Runner.Path,
			ModelFile: cfg.Runner.ModelFile,
			Camera:    cfg.Runner.Camera,
			Args:      cfg.Runner.Args,
		})
	}
	if p.transport == nil {
		p.transport = emitter.NewClient(emitter.Options{
			BrokerURL: cfg.MQTT.BrokerURL(),
			ClientID:  cfg.MQTT.ClientID,
			Role:      "emitter",
		})
	}

	cooldown := cfg.Detection.Cooldown()
	if deps.Cooldown > 0 {
		cooldown = deps.Cooldown
	}
	interval := cfg.Detection.HeartbeatInterval()
	if deps.HeartbeatInterval > 0 {
		interval = deps.HeartbeatInterval
	}

	threshold := cfg.Detection.Threshold
	p.engine = confirm.NewEngine(confirm.Config{
		Labels:    cfg.Detection.Labels,
		Threshold: &threshold,
		Required:  cfg.Detection.RequiredConsecutive,
		Cooldown:  cooldown,
		OnReset:   p.onReset,
	})

	p.publisher = alert.NewPublisher(alert.Config{
		SourceID: cfg.SourceID,
		Topic:    cfg.MQTT.Topic,
		QoS:      cfg.MQTT.QoS,
	}, p.transport, p.engine)

	hb, err := heartbeat.New(heartbeat.Config{
		SourceID: cfg.SourceID,
		Topic:    cfg.MQTT.Topic,
		QoS:      cfg.MQTT.QoS,
		Interval: interval,
	}, p.transport, p.engine)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeat: %w", err)
	}
	p.heartbeat = hb

	return p, nil
}

// Run connects to the broker, starts the detection program and processes its
// output until ctx is cancelled or the program exits.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return fmt.Errorf("pipeline is already running")
	}
	p.isRunning = true
	p.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	slog.Info("firewatch pipeline starting",
		"source_id", p.cfg.SourceID,
		"topic", p.cfg.MQTT.Topic,
		"labels", p.cfg.Detection.Labels,
		"threshold", p.cfg.Detection.Threshold,
		"required_consecutive", p.cfg.Detection.RequiredConsecutive,
	)

	if err := p.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	if p.cfg.Health.Port != "" {
		p.StartHealthServer(p.cfg.Health.Port)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeat.Run(ctx)
	}()

	p.wg.Add(1)
	go p.logStats(ctx)

	p.wg.Add(1)
	go p.consumeLines(ctx)

	slog.Info("firewatch pipeline running")

	select {
	case <-ctx.Done():
		slog.Info("pipeline run loop exiting")
		return nil
	case <-p.sourceClosed:
		if ctx.Err() != nil {
			slog.Info("pipeline run loop exiting")
			return nil
		}
	}

	select {
	case <-p.source.Done():
	case <-time.After(runnerReapTimeout):
	}

	exitErr := p.source.Err()
	slog.Error("runner exited",
		"error", exitErr,
		"lines_read", p.source.Metrics().LinesRead,
		"action", "shutting down")

	if exitErr != nil {
		return fmt.Errorf("%w: %v", ErrRunnerExited, exitErr)
	}
	return ErrRunnerExited
}

// consumeLines feeds every runner line through the parser and the engine
func (p *Pipeline) consumeLines(ctx context.Context) {
	defer p.wg.Done()

	lines := p.source.Lines()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				close(p.sourceClosed)
				return
			}
			p.handleLine(ctx, line)
		}
	}
}

// handleLine processes one line of runner output
func (p *Pipeline) handleLine(ctx context.Context, line string) {
	if p.parser.IsDiagnostic(line) {
		slog.Debug("runner output", "line", line)
	}

	// Lines are not even parsed while the ignore window is open
	if p.engine.Ignoring() {
		p.linesSkipped.Add(1)
		return
	}

	frame, ok, err := p.parser.Parse(line)
	if err != nil {
		// Counted by the parser
		slog.Warn("failed to parse detection line", "error", err)
		return
	}
	if !ok {
		return
	}

	decision := p.engine.Observe(frame)
	if decision.Outcome != confirm.Confirmed {
		return
	}

	conf := *decision.Confirmation
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Errors are logged and counted by the publisher
		_ = p.publisher.Publish(ctx, conf)
	}()
}

// onReset runs when the ignore window closes
func (p *Pipeline) onReset(state confirm.State) {
	slog.Debug("detection resumed",
		"cycle", state.Cycle,
		"lines_skipped", p.linesSkipped.Load(),
	)
}

// logStats periodically logs pipeline counters
func (p *Pipeline) logStats(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			slog.Info("pipeline stats",
				"runner_running", s.Runner.Running,
				"lines_read", s.Runner.LinesRead,
				"lines_skipped", s.LinesSkipped,
				"parse_errors", s.Parser.ParseErrors,
				"frames_parsed", s.Parser.FramesParsed,
				"frames_observed", s.Engine.FramesObserved,
				"confirmations", s.Engine.Confirmations,
				"alerts_published", s.Alerts.Published,
				"alerts_failed", s.Alerts.Failed,
				"heartbeats_sent", s.Heartbeat.Sent,
				"heartbeats_suppressed", s.Heartbeat.Suppressed,
				"mqtt_connected", s.MQTT.Connected,
				"mqtt_published", s.MQTT.Published,
				"mqtt_errors", s.MQTT.Errors,
			)
		}
	}
}

// Shutdown stops the heartbeat, cancels the pending cooldown, stops the runner
// and disconnects from the broker. Safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		err = p.shutdown(ctx)
	})
	return err
}

func (p *Pipeline) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		p.engine.Close()
		return nil
	}
	cancel := p.cancel
	health := p.health
	p.mu.Unlock()

	slog.Info("shutting down firewatch pipeline")

	// Shutdown sequence (order is important!):
	// 1. Stop heartbeat, stats logger and read loop
	cancel()

	// 2. No reset may fire after this point
	p.engine.Close()

	// 3. Stop the detection program
	if err := p.source.Stop(); err != nil {
		slog.Error("failed to stop runner", "error", err)
	}

	// 4. Wait for goroutines, including in-flight alert publishes
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		waitErr = fmt.Errorf("shutdown wait: %w", ctx.Err())
		slog.Warn("shutdown timeout, goroutines still running", "error", ctx.Err())
	}

	// 5. Health server
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	// 6. Disconnect MQTT
	p.transport.Disconnect()

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.isRunning = false
	p.mu.Unlock()

	slog.Info("firewatch pipeline shutdown complete", "uptime", uptime)
	return waitErr
}

// Stats aggregates counters from every stage
type Stats struct {
	LinesSkipped uint64
	Runner       runner.Metrics
	Parser       parser.Stats
	Engine       confirm.Stats
	Alerts       alert.Stats
	Heartbeat    heartbeat.Stats
	MQTT         emitter.Stats
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	return Stats{
		LinesSkipped: p.linesSkipped.Load(),
		Runner:       p.source.Metrics(),
		Parser:       p.parser.Stats(),
		Engine:       p.engine.Stats(),
		Alerts:       p.publisher.Stats(),
		Heartbeat:    p.heartbeat.Stats(),
		MQTT:         p.transport.Stats(),
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (p *Pipeline) ShutdownTimeout() time.Duration {
	return p.cfg.ShutdownTimeout()
}
