package manager

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

func TestReportHistory_EvictsOldest(t *testing.T) {
	h := newReportHistory(3)
	for i := 0; i < 5; i++ {
		h.add(model.WorkerReport{TaskID: strconv.Itoa(i)})
	}

	all := h.list(0)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].TaskID)
	assert.Equal(t, "4", all[2].TaskID)

	last := h.list(2)
	require.Len(t, last, 2)
	assert.Equal(t, "3", last[0].TaskID)
}

func TestWorkerManager_ReportHistoryIsBounded(t *testing.T) {
	m, bus := newTestManager(t)
	reports, unsubscribe := bus.Subscribe(2000, events.TypeReport)
	defer unsubscribe()

	info, err := m.CreateWorker("poster", "twitter", processorFunc(succeed))
	require.NoError(t, err)

	for i := 0; i < 1100; i++ {
		require.NoError(t, m.ReportWorkResult(info.ID, model.WorkerReport{
			TaskID:  strconv.Itoa(i),
			Success: i%2 == 0,
		}))
	}

	history := m.Reports(0)
	require.Len(t, history, 1000)
	assert.Equal(t, "100", history[0].TaskID)
	assert.Equal(t, "1099", history[999].TaskID)
	assert.Equal(t, info.ID, history[0].WorkerID)
	assert.Equal(t, "twitter", history[0].Platform)
	assert.False(t, history[0].ReportedAt.IsZero())
	assert.Len(t, reports, 1100)

	got, _ := m.GetWorker(info.ID)
	assert.Equal(t, int64(1100), got.Counters.TasksProcessed)
	assert.Equal(t, int64(550), got.Counters.Successes)
	assert.Equal(t, int64(550), got.Counters.Failures)
}

func TestWorkerManager_ReportUnknownWorker(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.ReportWorkResult("missing", model.WorkerReport{}), ErrWorkerNotFound)
}
