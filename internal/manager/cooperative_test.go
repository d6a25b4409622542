package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createPaused registers a worker and flags it paused without running a driver loop
func createPaused(t *testing.T, m *WorkerManager) string {
	t.Helper()
	info, err := m.CreateWorker("coop", "twitter", processorFunc(succeed))
	require.NoError(t, err)
	require.NoError(t, m.StartWorker(info.ID))
	require.NoError(t, m.PauseWorker(info.ID))
	return info.ID
}

func TestDelayWithPauseCheck_CompletesWhenRunning(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.CreateWorker("coop", "twitter", processorFunc(succeed))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.DelayWithPauseCheck(context.Background(), info.ID, 35*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestDelayWithPauseCheck_ContextCancelled(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.CreateWorker("coop", "twitter", processorFunc(succeed))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = m.DelayWithPauseCheck(ctx, info.ID, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayWithPauseCheck_PausedTimeNotCounted(t *testing.T) {
	m, _ := newTestManager(t)
	id := createPaused(t, m)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = m.ResumeWorker(id)
	}()

	start := time.Now()
	require.NoError(t, m.DelayWithPauseCheck(context.Background(), id, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestCheckPauseAndWait_StopWhilePaused(t *testing.T) {
	m, _ := newTestManager(t)
	id := createPaused(t, m)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.StopWorker(id, false)
	}()

	err := m.CheckPauseAndWait(context.Background(), id)
	assert.ErrorIs(t, err, ErrStopRequested)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, m.ShouldStop(id))
}
