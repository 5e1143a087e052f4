package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// staleAfter marks the runner as silent when no line arrived for this long
const staleAfter = 30 * time.Second

// HealthStatus represents the health state of the pipeline
type HealthStatus struct {
	Status           string    `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds    int64     `json:"uptime_seconds"`
	MQTTConnected    bool      `json:"mqtt_connected"`
	RunnerAlive      bool      `json:"runner_alive"`
	Ignoring         bool      `json:"ignoring"`
	ConsecutiveCount int       `json:"consecutive_count"`
	Cycle            uint64    `json:"cycle"`
	LinesRead        uint64    `json:"lines_read"`
	LastLineAt       time.Time `json:"last_line_at,omitempty"`
	MQTTErrors       uint64    `json:"mqtt_errors"`
}

// HealthCheck returns the current health status of the pipeline
func (p *Pipeline) HealthCheck() HealthStatus {
	p.mu.RLock()
	running := p.isRunning
	started := p.started
	p.mu.RUnlock()

	state := p.engine.Snapshot()
	stats := p.Stats()

	status := HealthStatus{
		Status:           "healthy",
		MQTTConnected:    stats.MQTT.Connected,
		Ignoring:         state.Ignoring,
		ConsecutiveCount: state.ConsecutiveCount,
		Cycle:            state.Cycle,
		LinesRead:        stats.Runner.LinesRead,
		LastLineAt:       stats.Runner.LastLineAt,
		MQTTErrors:       stats.MQTT.Errors,
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	status.RunnerAlive = running && stats.Runner.Running

	switch {
	case !running || !status.RunnerAlive:
		status.Status = "unhealthy"
	case !status.MQTTConnected:
		status.Status = "degraded"
	case !status.LastLineAt.IsZero() && time.Since(status.LastLineAt) > staleAfter:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (process is alive)
func (p *Pipeline) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness; 503 when unhealthy
func (p *Pipeline) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := p.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics with plain text counters
func (p *Pipeline) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	s := p.Stats()
	id := p.cfg.SourceID
	counters := []struct {
		name  string
		value uint64
	}{
		{"firewatch_lines_read_total", s.Runner.LinesRead},
		{"firewatch_lines_skipped_total", s.LinesSkipped},
		{"firewatch_frames_parsed_total", s.Parser.FramesParsed},
		{"firewatch_parse_errors_total", s.Parser.ParseErrors},
		{"firewatch_frames_observed_total", s.Engine.FramesObserved},
		{"firewatch_confirmations_total", s.Engine.Confirmations},
		{"firewatch_resets_total", s.Engine.Resets},
		{"firewatch_alerts_published_total", s.Alerts.Published},
		{"firewatch_alerts_duplicate_total", s.Alerts.Duplicates},
		{"firewatch_alerts_failed_total", s.Alerts.Failed},
		{"firewatch_heartbeats_sent_total", s.Heartbeat.Sent},
		{"firewatch_heartbeats_suppressed_total", s.Heartbeat.Suppressed},
		{"firewatch_heartbeats_failed_total", s.Heartbeat.Failed},
		{"firewatch_mqtt_errors_total", s.MQTT.Errors},
	}

	w.WriteHeader(http.StatusOK)
	for _, c := range counters {
		fmt.Fprintf(w, "%s{rpi_id=%q} %d\n", c.name, id, c.value)
	}

	fmt.Fprintf(w, "firewatch_ignoring{rpi_id=%q} %d\n", id, gauge(s.Engine.State.Ignoring))
	fmt.Fprintf(w, "firewatch_consecutive_count{rpi_id=%q} %d\n", id, s.Engine.State.ConsecutiveCount)
	fmt.Fprintf(w, "firewatch_runner_up{rpi_id=%q} %d\n", id, gauge(s.Runner.Running))
	fmt.Fprintf(w, "firewatch_mqtt_connected{rpi_id=%q} %d\n", id, gauge(s.MQTT.Connected))

	topics := make([]string, 0, len(s.MQTT.Published))
	for topic := range s.MQTT.Published {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		fmt.Fprintf(w, "firewatch_mqtt_published_total{rpi_id=%q,topic=%q} %d\n", id, topic, s.MQTT.Published[topic])
	}
}

func gauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block; Shutdown stops it.
func (p *Pipeline) StartHealthServer(port string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.LivenessHandler)
	mux.HandleFunc("/readiness", p.ReadinessHandler)
	mux.HandleFunc("/metrics", p.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	p.mu.Lock()
	p.health = server
	p.mu.Unlock()

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
}
