package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

func TestMetricsCollector_Observe(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t))
	c := NewMetricsCollector(bus, zaptest.NewLogger(t))

	c.observe(events.Event{Type: events.TypeStateChanged, Payload: events.StateChanged{WorkerID: "w1", State: model.WorkerStateCreated}})
	c.observe(events.Event{Type: events.TypeStateChanged, Payload: events.StateChanged{WorkerID: "w1", PreviousState: model.WorkerStateCreated, State: model.WorkerStateRunning}})
	c.observe(events.Event{Type: events.TypeStateChanged, Payload: events.StateChanged{WorkerID: "w2", State: model.WorkerStateCreated}})

	assert.Equal(t, float64(1), promtest.ToFloat64(c.workers.WithLabelValues("running")))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.workers.WithLabelValues("created")))
	assert.Equal(t, float64(2), promtest.ToFloat64(c.transitions.WithLabelValues("created")))

	c.observe(events.Event{Type: events.TypeReport, Payload: model.WorkerReport{
		Platform: "twitter", Success: true, ProcessingTime: 2 * time.Second,
		Metadata: map[string]string{"self_healed": "true", "healing_method": "session_refresh"},
	}})
	c.observe(events.Event{Type: events.TypeReport, Payload: model.WorkerReport{Platform: "twitter", Success: false}})
	c.observe(events.Event{Type: events.TypeReport, Payload: model.WorkerReport{
		Platform: "twitter", Metadata: map[string]string{"cancelled": "true"},
	}})

	assert.Equal(t, float64(1), promtest.ToFloat64(c.tasks.WithLabelValues("twitter", "success")))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.tasks.WithLabelValues("twitter", "failure")))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.tasks.WithLabelValues("twitter", "cancelled")))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.heals.WithLabelValues("twitter", "session_refresh")))

	c.observe(events.Event{Type: events.TypeHelpRequested, Payload: events.HelpRequested{
		Request: &model.HumanAssistanceRequest{Platform: "linkedin"},
	}})
	assert.Equal(t, float64(1), promtest.ToFloat64(c.helpRequests.WithLabelValues("linkedin")))

	c.observe(events.Event{Type: events.TypeSystemStats, Payload: model.SystemStats{CPUPercent: 12.5, MemoryRSS: 4096}})
	assert.Equal(t, 12.5, promtest.ToFloat64(c.cpuPercent))
	assert.Equal(t, float64(4096), promtest.ToFloat64(c.memoryRSS))
}

func TestMetricsCollector_RunAndServe(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger)
	c := NewMetricsCollector(bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Type: events.TypeSystemStats, Payload: model.SystemStats{CPUPercent: 42}})
		return promtest.ToFloat64(c.cpuPercent) == 42
	}, 5*time.Second, 20*time.Millisecond)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "postpilot_process_cpu_percent 42")
	assert.Contains(t, string(body), "postpilot_events_dropped_total")
	assert.Contains(t, string(body), `postpilot_workers{state="running"} 0`)
}
