package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/model"
	"github.com/t77yq/postpilot/internal/testutil"
)

type recordingController struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingController) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *recordingController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *recordingController) PauseWorker(id string) error {
	c.record("pause " + id)
	return nil
}

func (c *recordingController) ResumeWorker(id string) error {
	c.record("resume " + id)
	return nil
}

func (c *recordingController) StopWorker(id string, graceful bool) error {
	if graceful {
		c.record("stop graceful " + id)
	} else {
		c.record("stop " + id)
	}
	return nil
}

func (c *recordingController) SetViewMode(id string, mode model.WorkerViewMode, _, reason string) error {
	c.record("view_mode " + id + " " + string(mode) + " " + reason)
	return nil
}

func TestNATSIntake(t *testing.T) {
	js := testutil.JetStream(t)

	logger := zaptest.NewLogger(t)
	submitter := newRecordingSubmitter()
	cron := NewCronScheduler(submitter, logger)

	controller := &recordingController{}

	intake, err := NewNATSIntake(js, submitter, cron, controller, logger)
	require.NoError(t, err)
	defer intake.Close()

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo(commandStreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"task.*", "schedule.*", "worker.*"}, stream.Config.Subjects)
	})

	t.Run("Submit Task", func(t *testing.T) {
		require.NoError(t, PublishSubmit(js, "worker-1", templateTask()))

		require.Eventually(t, func() bool {
			return len(submitter.submitted("worker-1")) == 1
		}, 5*time.Second, 50*time.Millisecond)
		assert.Equal(t, "template", submitter.submitted("worker-1")[0].ID)
	})

	t.Run("Add and Remove Schedule", func(t *testing.T) {
		require.NoError(t, PublishScheduleAdd(js, "0 0 * * *", "worker-2", templateTask()))

		require.Eventually(t, func() bool {
			return len(cron.ListSchedules()) == 1
		}, 5*time.Second, 50*time.Millisecond)

		id := cron.ListSchedules()[0].ID
		require.NoError(t, PublishScheduleRemove(js, id))

		require.Eventually(t, func() bool {
			return len(cron.ListSchedules()) == 0
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("Worker Commands", func(t *testing.T) {
		require.NoError(t, PublishPause(js, "worker-1"))
		require.NoError(t, PublishResume(js, "worker-1"))
		require.NoError(t, PublishViewMode(js, "worker-1", model.WorkerViewMode("watching"), ""))
		require.NoError(t, PublishViewMode(js, "worker-1", model.ViewModeHeadless, "captcha solved"))
		require.NoError(t, PublishStop(js, "worker-1", true))

		require.Eventually(t, func() bool {
			return len(controller.Calls()) == 4
		}, 5*time.Second, 50*time.Millisecond)

		// each subject has its own consumer, so only per-subject order is guaranteed
		assert.ElementsMatch(t, []string{
			"pause worker-1",
			"resume worker-1",
			"view_mode worker-1 headless captcha solved",
			"stop graceful worker-1",
		}, controller.Calls())
	})

	t.Run("Existing Stream", func(t *testing.T) {
		intake.Close()
		second, err := NewNATSIntake(js, submitter, nil, nil, logger)
		require.NoError(t, err)
		second.Close()
	})
}
