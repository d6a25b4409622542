package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

func newTestArchive(t *testing.T) *ReportArchive {
	t.Helper()
	archive, err := NewReportArchive(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	return archive
}

func report(workerID, platform string, success bool, at time.Time) model.WorkerReport {
	return model.WorkerReport{
		WorkerID:       workerID,
		WorkerName:     workerID + "-name",
		Platform:       platform,
		TaskID:         "task-" + at.Format("150405.000"),
		TaskType:       model.TaskTypePostContent,
		Success:        success,
		Message:        "done",
		ProcessingTime: 1500 * time.Millisecond,
		Metadata:       map[string]string{"attempts": "1"},
		ReportedAt:     at,
	}
}

func TestReportArchive_StoreAndList(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_, err := archive.Store(ctx, report("w1", "twitter", true, base))
	require.NoError(t, err)
	_, err = archive.Store(ctx, report("w1", "twitter", false, base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = archive.Store(ctx, report("w2", "linkedin", true, base.Add(2*time.Minute)))
	require.NoError(t, err)

	all, err := archive.List(ctx, ReportFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "w2", all[0].WorkerID, "newest first")
	assert.Equal(t, 1500*time.Millisecond, all[0].ProcessingTime)
	assert.Equal(t, "1", all[0].Metadata["attempts"])
	assert.NotEmpty(t, all[0].ID)

	failed := false
	byWorker, err := archive.List(ctx, ReportFilter{WorkerID: "w1", Success: &failed}, 0, 10)
	require.NoError(t, err)
	require.Len(t, byWorker, 1)
	assert.False(t, byWorker[0].Success)

	page, err := archive.List(ctx, ReportFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "w1", page[0].WorkerID)

	count, err := archive.Count(ctx, ReportFilter{Platform: "twitter"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReportArchive_DeleteBefore(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()
	now := time.Now()

	_, err := archive.Store(ctx, report("w1", "twitter", true, now.Add(-48*time.Hour)))
	require.NoError(t, err)
	_, err = archive.Store(ctx, report("w1", "twitter", true, now))
	require.NoError(t, err)

	require.NoError(t, archive.DeleteBefore(ctx, now.Add(-24*time.Hour)))

	count, err := archive.Count(ctx, ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReportArchive_Run(t *testing.T) {
	archive := newTestArchive(t)
	bus := events.NewBus(zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		archive.Run(ctx, bus)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Type: events.TypeReport, WorkerID: "w1", Payload: report("w1", "twitter", true, time.Now())})
		count, err := archive.Count(context.Background(), ReportFilter{WorkerID: "w1"})
		return err == nil && count > 0
	}, 5*time.Second, 50*time.Millisecond)
}
