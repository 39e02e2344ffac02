package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the agent loop.
// A nil *Metrics and a disabled one are both safe to call.
type Metrics struct {
	config MetricsConfig

	goalsStarted  prometheus.Counter
	goalsFinished *prometheus.CounterVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	recoveries   *prometheus.CounterVec
	advisorCalls *prometheus.CounterVec

	worldEntities   prometheus.Gauge
	controllerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		goalsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goals_started_total",
			Help:      "Total number of goals started",
		}),
		goalsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goals_finished_total",
			Help:      "Total number of goals that reached a terminal status",
		}, []string{"status"}),

		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of plan steps executed",
		}, []string{"tool", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   buckets,
		}, []string{"tool"}),

		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery decisions by failure pattern and action",
		}, []string{"pattern", "action"}),
		advisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisor_calls_total",
			Help:      "Advisor calls by method and outcome",
		}, []string{"method", "status"}),

		worldEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "world_entities",
			Help:      "Number of entities in the world model",
		}),
		controllerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_state",
			Help:      "1 for the current controller state, 0 otherwise",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.goalsStarted,
		m.goalsFinished,
		m.stepsExecuted,
		m.stepDuration,
		m.recoveries,
		m.advisorCalls,
		m.worldEntities,
		m.controllerState,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordGoalStarted increments the started goals counter.
func (m *Metrics) RecordGoalStarted() {
	if !m.enabled() {
		return
	}
	m.goalsStarted.Inc()
}

// RecordGoalFinished records a goal reaching a terminal status.
func (m *Metrics) RecordGoalFinished(status string) {
	if !m.enabled() {
		return
	}
	m.goalsFinished.WithLabelValues(status).Inc()
}

// RecordStep records one executed step.
func (m *Metrics) RecordStep(tool, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	if tool == "" {
		tool = "none"
	}
	m.stepsExecuted.WithLabelValues(tool, status).Inc()
	m.stepDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRecovery records a recovery decision.
func (m *Metrics) RecordRecovery(pattern, action string) {
	if !m.enabled() {
		return
	}
	m.recoveries.WithLabelValues(pattern, action).Inc()
}

// RecordAdvisorCall records an advisor call outcome.
func (m *Metrics) RecordAdvisorCall(method string, err error) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.advisorCalls.WithLabelValues(method, status).Inc()
}

// SetWorldEntities sets the world model entity gauge.
func (m *Metrics) SetWorldEntities(count int) {
	if !m.enabled() {
		return
	}
	m.worldEntities.Set(float64(count))
}

// SetControllerState marks state as current and clears previous.
func (m *Metrics) SetControllerState(previous, state string) {
	if !m.enabled() {
		return
	}
	if previous != "" {
		m.controllerState.WithLabelValues(previous).Set(0)
	}
	m.controllerState.WithLabelValues(state).Set(1)
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return server
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
