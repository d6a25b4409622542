package monitor

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

const namespace = "postpilot"

var workerStates = []model.WorkerState{
	model.WorkerStateCreated,
	model.WorkerStateRunning,
	model.WorkerStatePaused,
	model.WorkerStateStopped,
	model.WorkerStateError,
}

// MetricsCollector turns bus events into prometheus metrics
type MetricsCollector struct {
	logger   *zap.Logger
	bus      *events.Bus
	registry *prometheus.Registry

	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	heals        *prometheus.CounterVec
	helpRequests *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	workers      *prometheus.GaugeVec
	cpuPercent   prometheus.Gauge
	memoryRSS    prometheus.Gauge

	mu     sync.Mutex
	states map[string]model.WorkerState
}

// NewMetricsCollector creates a new metrics collector with its own registry
func NewMetricsCollector(bus *events.Bus, logger *zap.Logger) *MetricsCollector {
	c := &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		bus:      bus,
		registry: prometheus.NewRegistry(),
		states:   make(map[string]model.WorkerState),

		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks processed by workers, by platform and outcome.",
		}, []string{"platform", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task processing time including recovery.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"platform"}),
		heals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_heals_total",
			Help:      "Tasks completed after self-healing, by method.",
		}, []string{"platform", "method"}),
		helpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "help_requests_total",
			Help:      "Escalations to a human operator.",
		}, []string{"platform"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Worker state transitions, by target state.",
		}, []string{"state"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers currently in each state.",
		}, []string{"state"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Process CPU usage over the last sample, 0-100.",
		}),
		memoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Process resident set size.",
		}),
	}

	c.registry.MustRegister(
		c.tasks, c.taskDuration, c.heals, c.helpRequests,
		c.transitions, c.workers, c.cpuPercent, c.memoryRSS,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(bus.Dropped()) }),
		collectors.NewGoCollector(),
	)

	for _, state := range workerStates {
		c.workers.WithLabelValues(string(state)).Set(0)
	}

	return c
}

// Handler serves the collector's registry
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Run consumes bus events until the context is cancelled or the bus closes
func (c *MetricsCollector) Run(ctx context.Context) {
	c.logger.Info("Starting metrics collector")
	ch, unsubscribe := c.bus.Subscribe(1024,
		events.TypeStateChanged, events.TypeReport, events.TypeHelpRequested, events.TypeSystemStats)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.observe(event)
		}
	}
}

func (c *MetricsCollector) observe(event events.Event) {
	switch payload := event.Payload.(type) {
	case events.StateChanged:
		c.transitions.WithLabelValues(string(payload.State)).Inc()
		c.setState(payload.WorkerID, payload.State)
	case model.WorkerReport:
		outcome := "failure"
		if payload.Success {
			outcome = "success"
		}
		if payload.Metadata["cancelled"] == "true" {
			outcome = "cancelled"
		}
		c.tasks.WithLabelValues(payload.Platform, outcome).Inc()
		c.taskDuration.WithLabelValues(payload.Platform).Observe(payload.ProcessingTime.Seconds())
		if payload.Success && payload.Metadata["self_healed"] == "true" {
			c.heals.WithLabelValues(payload.Platform, payload.Metadata["healing_method"]).Inc()
		}
	case events.HelpRequested:
		platform := ""
		if payload.Request != nil {
			platform = payload.Request.Platform
		}
		c.helpRequests.WithLabelValues(platform).Inc()
	case model.SystemStats:
		c.cpuPercent.Set(payload.CPUPercent)
		c.memoryRSS.Set(float64(payload.MemoryRSS))
	default:
		c.logger.Debug("Ignoring event", zap.String("type", string(event.Type)))
	}
}

// setState keeps the per-state gauge in line with the latest known worker states
func (c *MetricsCollector) setState(workerID string, state model.WorkerState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.states[workerID]; ok {
		c.workers.WithLabelValues(string(prev)).Dec()
	}
	c.states[workerID] = state
	c.workers.WithLabelValues(string(state)).Inc()
}
