package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// SubmitCommand is the task.submit payload
type SubmitCommand struct {
	WorkerID string      `json:"worker_id"`
	Task     *model.Task `json:"task"`
}

// ScheduleCommand is the schedule.add payload
type ScheduleCommand struct {
	Expression string      `json:"expression"`
	WorkerID   string      `json:"worker_id"`
	Task       *model.Task `json:"task"`
}

// WorkerCommand is the payload of the worker.* subjects
type WorkerCommand struct {
	WorkerID string               `json:"worker_id"`
	Graceful bool                 `json:"graceful,omitempty"`
	ViewMode model.WorkerViewMode `json:"view_mode,omitempty"`
	URL      string               `json:"url,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

// WorkerController drives worker lifecycle and view mode. *manager.WorkerManager satisfies it.
type WorkerController interface {
	PauseWorker(id string) error
	ResumeWorker(id string) error
	StopWorker(id string, graceful bool) error
	SetViewMode(id string, mode model.WorkerViewMode, url, reason string) error
}

// NATSIntake accepts task submissions, schedule changes and worker commands from JetStream
type NATSIntake struct {
	js         nats.JetStreamContext
	logger     *zap.Logger
	submitter  Submitter
	cron       *CronScheduler
	controller WorkerController

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSIntake creates the command stream and subscribes to it.
// Schedule subjects need cron and worker subjects need controller; either may be nil.
func NewNATSIntake(js nats.JetStreamContext, submitter Submitter, cron *CronScheduler, controller WorkerController, logger *zap.Logger) (*NATSIntake, error) {
	intake := &NATSIntake{
		js:         js,
		logger:     logger.Named("nats-intake"),
		submitter:  submitter,
		cron:       cron,
		controller: controller,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := intake.setupStreams(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}

	if err := intake.setupSubscribers(ctx); err != nil {
		intake.Close()
		return nil, fmt.Errorf("failed to setup subscribers: %w", err)
	}

	return intake, nil
}

func (i *NATSIntake) setupStreams(ctx context.Context) error {
	config := &nats.StreamConfig{
		Name:     commandStreamName,
		Subjects: commandSubjects,
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}

	_, err := i.js.AddStream(config, nats.Context(ctx))
	if err == nil {
		i.logger.Info("Stream created successfully", zap.String("stream", commandStreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}

	// streams created by older versions lack the worker subjects
	if _, err := i.js.UpdateStream(config, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", commandStreamName, err)
	}
	i.logger.Info("Stream already exists, updated", zap.String("stream", commandStreamName))
	return nil
}

func (i *NATSIntake) setupSubscribers(ctx context.Context) error {
	handlers := []struct {
		subject string
		durable string
		enabled bool
		handle  func([]byte) error
	}{
		{taskSubmitSubject, "postpilot-task-submit", true, i.handleSubmit},
		{scheduleAddSubject, "postpilot-schedule-add", i.cron != nil, i.handleScheduleAdd},
		{scheduleRemoveSubject, "postpilot-schedule-remove", i.cron != nil, i.handleScheduleRemove},
		{workerPauseSubject, "postpilot-worker-pause", i.controller != nil, i.handlePause},
		{workerResumeSubject, "postpilot-worker-resume", i.controller != nil, i.handleResume},
		{workerStopSubject, "postpilot-worker-stop", i.controller != nil, i.handleStop},
		{workerViewModeSubject, "postpilot-worker-view-mode", i.controller != nil, i.handleViewMode},
	}

	for _, h := range handlers {
		if !h.enabled {
			continue
		}
		handle, subject := h.handle, h.subject
		sub, err := i.js.Subscribe(subject, func(msg *nats.Msg) {
			if err := handle(msg.Data); err != nil {
				i.logger.Error("Failed to handle command",
					zap.String("subject", subject),
					zap.Error(err))
			}
			if err := msg.Ack(); err != nil {
				i.logger.Warn("Failed to ack command", zap.String("subject", subject), zap.Error(err))
			}
		}, nats.Durable(h.durable), nats.ManualAck(), nats.AckWait(commandAckWait), nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}

		i.mu.Lock()
		i.subs = append(i.subs, sub)
		i.mu.Unlock()
	}
	return nil
}

func (i *NATSIntake) handleSubmit(data []byte) error {
	var cmd SubmitCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal submit command: %w", err)
	}
	if cmd.Task == nil {
		return fmt.Errorf("submit command for worker %s has no task", cmd.WorkerID)
	}
	if err := i.submitter.SubmitTask(cmd.WorkerID, cmd.Task); err != nil {
		return fmt.Errorf("failed to submit task %s: %w", cmd.Task.ID, err)
	}
	i.logger.Debug("Submitted task from NATS",
		zap.String("worker_id", cmd.WorkerID),
		zap.String("task_id", cmd.Task.ID))
	return nil
}

func (i *NATSIntake) handleScheduleAdd(data []byte) error {
	var cmd ScheduleCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	_, err := i.cron.AddSchedule(cmd.Expression, cmd.WorkerID, cmd.Task)
	return err
}

func (i *NATSIntake) handleScheduleRemove(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("failed to unmarshal schedule ID: %w", err)
	}
	return i.cron.RemoveSchedule(id)
}

func decodeWorkerCommand(data []byte) (WorkerCommand, error) {
	var cmd WorkerCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("failed to unmarshal worker command: %w", err)
	}
	if cmd.WorkerID == "" {
		return cmd, fmt.Errorf("worker command has no worker id")
	}
	return cmd, nil
}

func (i *NATSIntake) handlePause(data []byte) error {
	cmd, err := decodeWorkerCommand(data)
	if err != nil {
		return err
	}
	return i.controller.PauseWorker(cmd.WorkerID)
}

func (i *NATSIntake) handleResume(data []byte) error {
	cmd, err := decodeWorkerCommand(data)
	if err != nil {
		return err
	}
	return i.controller.ResumeWorker(cmd.WorkerID)
}

func (i *NATSIntake) handleStop(data []byte) error {
	cmd, err := decodeWorkerCommand(data)
	if err != nil {
		return err
	}
	return i.controller.StopWorker(cmd.WorkerID, cmd.Graceful)
}

func (i *NATSIntake) handleViewMode(data []byte) error {
	cmd, err := decodeWorkerCommand(data)
	if err != nil {
		return err
	}
	switch cmd.ViewMode {
	case model.ViewModeHeadless, model.ViewModeViewing, model.ViewModeNeedsHelp,
		model.ViewModeHumanControl, model.ViewModeLearning, model.ViewModeResuming:
	default:
		return fmt.Errorf("unknown view mode %q for worker %s", cmd.ViewMode, cmd.WorkerID)
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "operator command"
	}
	return i.controller.SetViewMode(cmd.WorkerID, cmd.ViewMode, cmd.URL, reason)
}

// Close drains the intake subscriptions
func (i *NATSIntake) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, sub := range i.subs {
		if err := sub.Unsubscribe(); err != nil {
			i.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	i.subs = nil
}

// PublishSubmit publishes a task.submit command
func PublishSubmit(js nats.JetStreamContext, workerID string, task *model.Task) error {
	return publishJSON(js, taskSubmitSubject, SubmitCommand{WorkerID: workerID, Task: task})
}

// PublishScheduleAdd publishes a schedule.add command
func PublishScheduleAdd(js nats.JetStreamContext, expression, workerID string, task *model.Task) error {
	return publishJSON(js, scheduleAddSubject, ScheduleCommand{Expression: expression, WorkerID: workerID, Task: task})
}

// PublishScheduleRemove publishes a schedule.remove command
func PublishScheduleRemove(js nats.JetStreamContext, id string) error {
	return publishJSON(js, scheduleRemoveSubject, id)
}

// PublishPause publishes a worker.pause command
func PublishPause(js nats.JetStreamContext, workerID string) error {
	return publishJSON(js, workerPauseSubject, WorkerCommand{WorkerID: workerID})
}

// PublishResume publishes a worker.resume command
func PublishResume(js nats.JetStreamContext, workerID string) error {
	return publishJSON(js, workerResumeSubject, WorkerCommand{WorkerID: workerID})
}

// PublishStop publishes a worker.stop command
func PublishStop(js nats.JetStreamContext, workerID string, graceful bool) error {
	return publishJSON(js, workerStopSubject, WorkerCommand{WorkerID: workerID, Graceful: graceful})
}

// PublishViewMode publishes a worker.view_mode command, e.g. to hand a worker in NeedsHelp back to headless
func PublishViewMode(js nats.JetStreamContext, workerID string, mode model.WorkerViewMode, reason string) error {
	return publishJSON(js, workerViewModeSubject, WorkerCommand{WorkerID: workerID, ViewMode: mode, Reason: reason})
}

func publishJSON(js nats.JetStreamContext, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if _, err := js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}
