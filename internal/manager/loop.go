package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// run is the driver loop of one worker. Tasks are processed strictly one at a time.
func (m *WorkerManager) run(ctx context.Context, w *ManagedWorker, done chan struct{}) {
	defer close(done)

	logger := m.logger.With(zap.String("worker_id", w.id), zap.String("name", w.name))

	if m.cfg.PinWorkers {
		release, err := pinToCore(w.preferredCore)
		if err != nil {
			logger.Debug("CPU pinning unavailable", zap.Int("core", w.preferredCore), zap.Error(err))
		}
		defer release()
	}

	idle := time.NewTicker(m.cfg.PollInterval)
	defer idle.Stop()

	logger.Debug("Driver loop started")
	defer logger.Debug("Driver loop exited")

	for {
		if w.stopRequested.Load() || ctx.Err() != nil {
			return
		}
		if err := m.CheckPauseAndWait(ctx, w.id); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			// a pause requested while idle on the queue holds the task until resume
			if err := m.CheckPauseAndWait(ctx, w.id); err != nil {
				logger.Info("Dropping task held across stop", zap.String("task_id", task.ID))
				return
			}
			m.processTask(ctx, w, task, logger)
		case <-idle.C:
		}
	}
}

func (m *WorkerManager) processTask(ctx context.Context, w *ManagedWorker, task *model.Task, logger *zap.Logger) {
	w.touch()
	_ = m.UpdateProgress(w.id, fmt.Sprintf("Processing %s", task.Type), 0, map[string]string{"task_id": task.ID})

	start := time.Now()
	result, err := m.safeProcess(ctx, w, task)
	elapsed := time.Since(start)

	report := model.WorkerReport{
		TaskID:         task.ID,
		TaskType:       task.Type,
		ProcessingTime: elapsed,
		Metadata:       map[string]string{},
	}

	var werr *workerError
	switch {
	case errors.As(err, &werr):
		w.errors.Add(1)
		report.Message = werr.Error()
		logger.Error("Task processing failed", zap.String("task_id", task.ID), zap.Error(werr))
		m.enterError(w, werr.Error())
	case err != nil:
		report.Message = fmt.Sprintf("task cancelled: %v", err)
		report.Metadata["cancelled"] = "true"
		logger.Info("Task cancelled", zap.String("task_id", task.ID), zap.Error(err))
	case result != nil:
		report.Success = result.Success
		report.Message = result.Error
		if result.Success {
			report.Message = "task completed"
			if result.SelfHealed {
				report.Message = fmt.Sprintf("task completed after self-healing (%s)", result.HealingMethod)
			}
		}
		if result.ProcessingTime > 0 {
			report.ProcessingTime = result.ProcessingTime
		}
		report.Metadata["attempts"] = strconv.Itoa(result.Attempts)
		report.Metadata["self_healed"] = strconv.FormatBool(result.SelfHealed)
		report.Metadata["needs_human_help"] = strconv.FormatBool(result.NeedsHumanHelp)
		if result.HealingMethod != "" {
			report.Metadata["healing_method"] = result.HealingMethod
		}
		if result.AssistanceRequestID != "" {
			report.Metadata["assistance_request_id"] = result.AssistanceRequestID
		}
	default:
		report.Message = "task processor returned no result"
	}

	if err := m.ReportWorkResult(w.id, report); err != nil {
		logger.Error("Failed to report work result", zap.String("task_id", task.ID), zap.Error(err))
	}

	if report.Success {
		m.leaveError(w)
	}
	_ = m.UpdateProgress(w.id, "Idle", 100, map[string]string{"last_task_id": task.ID})
}

// workerError is a processing failure outside the task's own outcome, such as a panic
type workerError struct {
	err error
}

func (e *workerError) Error() string { return "worker error: " + e.err.Error() }

func (e *workerError) Unwrap() error { return e.err }

// safeProcess runs the processor, converting panics and unexpected errors into a workerError
func (m *WorkerManager) safeProcess(ctx context.Context, w *ManagedWorker, task *model.Task) (result *model.HealingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &workerError{err: fmt.Errorf("panic while processing task %s: %v", task.ID, r)}
		}
	}()

	result, err = w.processor.ExecuteWithHealing(ctx, w.id, task)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, &workerError{err: err}
	}
	return result, err
}

// enterError moves a running worker to Error; the loop keeps going
func (m *WorkerManager) enterError(w *ManagedWorker, reason string) {
	w.mu.Lock()
	if w.state != model.WorkerStateRunning {
		w.mu.Unlock()
		return
	}
	w.state = model.WorkerStateError
	w.mu.Unlock()

	m.publishState(w, model.WorkerStateRunning, model.WorkerStateError, reason)
}

// leaveError returns a worker in Error to Running after a successful task
func (m *WorkerManager) leaveError(w *ManagedWorker) {
	w.mu.Lock()
	if w.state != model.WorkerStateError {
		w.mu.Unlock()
		return
	}
	w.state = model.WorkerStateRunning
	w.mu.Unlock()

	m.publishState(w, model.WorkerStateError, model.WorkerStateRunning, "recovered")
}
