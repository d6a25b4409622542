package manager

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/model"
)

// WorkerManager owns the worker registry and every lifecycle transition
type WorkerManager struct {
	logger  *zap.Logger
	cfg     Config
	bus     *events.Bus
	workers sync.Map // id -> *ManagedWorker
	history *reportHistory
	sampler *ResourceSampler

	numCores int
	nextCore atomic.Uint64

	// Global cancellation scope; every worker scope derives from it
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewWorkerManager creates a new worker manager
func NewWorkerManager(cfg Config, bus *events.Bus, logger *zap.Logger) *WorkerManager {
	cfg = cfg.withDefaults()
	logger = logger.Named("worker-manager")

	m := &WorkerManager{
		logger:   logger,
		cfg:      cfg,
		bus:      bus,
		history:  newReportHistory(cfg.HistoryLimit),
		numCores: runtime.NumCPU(),
	}

	sampler, err := NewResourceSampler(cfg.StatsInterval, bus, logger)
	if err != nil {
		logger.Warn("Resource sampling disabled", zap.Error(err))
	} else {
		m.sampler = sampler
		m.numCores = sampler.NumCores()
	}

	return m
}

// Start opens the global scope and begins resource sampling
func (m *WorkerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	if m.sampler != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sampler.Run(m.ctx)
		}()
	}

	m.logger.Info("Worker manager started",
		zap.Int("num_cores", m.numCores),
		zap.Duration("poll_interval", m.cfg.PollInterval))
	return nil
}

// Shutdown cancels every worker scope and waits for the driver loops up to the grace timeout
func (m *WorkerManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancel
	m.started = false
	m.mu.Unlock()

	m.logger.Info("Shutting down worker manager")

	var pending []*ManagedWorker
	m.workers.Range(func(_, value interface{}) bool {
		w := value.(*ManagedWorker)
		m.markStopped(w, "manager shutdown")
		pending = append(pending, w)
		return true
	})

	if cancel != nil {
		cancel()
	}

	deadline := time.NewTimer(m.cfg.GraceTimeout)
	defer deadline.Stop()

	for _, w := range pending {
		w.mu.RLock()
		done := w.done
		w.mu.RUnlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-deadline.C:
			m.logger.Warn("Shutdown grace period elapsed, abandoning remaining workers")
			return
		case <-ctx.Done():
			m.logger.Warn("Shutdown context cancelled before workers finished", zap.Error(ctx.Err()))
			return
		}
	}

	m.wg.Wait()
	m.logger.Info("Worker manager stopped")
}

// CreateWorker registers a new worker in the Created state
func (m *WorkerManager) CreateWorker(name, platform string, processor TaskProcessor) (model.WorkerInfo, error) {
	if processor == nil {
		return model.WorkerInfo{}, fmt.Errorf("worker %q requires a task processor", name)
	}

	id := uuid.New().String()
	core := int(m.nextCore.Add(1)-1) % m.numCores

	w := newManagedWorker(id, name, platform, core, processor, m.cfg.QueueSize)
	m.workers.Store(id, w)

	m.logger.Info("Worker created",
		zap.String("worker_id", id),
		zap.String("name", name),
		zap.String("platform", platform),
		zap.Int("preferred_core", core))

	m.publishState(w, "", model.WorkerStateCreated, "created")
	return w.snapshot(), nil
}

// StartWorker spawns the worker's driver loop. It is a no-op for a running worker.
func (m *WorkerManager) StartWorker(id string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	parent := m.ctx
	started := m.started
	m.mu.RUnlock()

	w.mu.Lock()
	switch w.state {
	case model.WorkerStateStopped:
		w.mu.Unlock()
		return fmt.Errorf("cannot start worker %s: %w", id, ErrWorkerStopped)
	case model.WorkerStateRunning, model.WorkerStateError:
		if w.loopActive() {
			w.mu.Unlock()
			return nil
		}
	case model.WorkerStatePaused:
		if w.loopActive() {
			w.mu.Unlock()
			return m.ResumeWorker(id)
		}
	}

	if !started || parent == nil {
		w.mu.Unlock()
		return ErrManagerNotStarted
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	now := time.Now()

	prev := w.state
	w.cancel = cancel
	w.done = done
	w.pauseRequested.Store(false)
	w.stopRequested.Store(false)
	w.state = model.WorkerStateRunning
	w.startedAt = &now
	w.lastActivityAt = &now
	w.mu.Unlock()

	m.publishState(w, prev, model.WorkerStateRunning, "started")

	go m.run(ctx, w, done)

	m.logger.Info("Worker started", zap.String("worker_id", id), zap.String("name", w.name))
	return nil
}

// PauseWorker requests a cooperative pause. Pausing a paused worker is a no-op.
func (m *WorkerManager) PauseWorker(id string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.state == model.WorkerStatePaused {
		w.mu.Unlock()
		return nil
	}
	if w.state != model.WorkerStateRunning {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot pause worker %s in state %s: %w", id, state, ErrInvalidTransition)
	}

	now := time.Now()
	w.pauseRequested.Store(true)
	w.state = model.WorkerStatePaused
	w.pausedAt = &now
	w.mu.Unlock()

	m.publishState(w, model.WorkerStateRunning, model.WorkerStatePaused, "paused")
	m.logger.Info("Worker paused", zap.String("worker_id", id))
	return nil
}

// ResumeWorker clears a pause request. Resuming a running worker is a no-op.
func (m *WorkerManager) ResumeWorker(id string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.state == model.WorkerStateRunning {
		w.mu.Unlock()
		return nil
	}
	if w.state != model.WorkerStatePaused {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cannot resume worker %s in state %s: %w", id, state, ErrInvalidTransition)
	}

	now := time.Now()
	w.pauseRequested.Store(false)
	w.state = model.WorkerStateRunning
	w.resumedAt = &now
	w.mu.Unlock()

	m.publishState(w, model.WorkerStatePaused, model.WorkerStateRunning, "resumed")
	m.logger.Info("Worker resumed", zap.String("worker_id", id))
	return nil
}

// StopWorker sets the stop flag and cancels the worker scope.
// A graceful stop waits for the driver loop up to the grace timeout.
func (m *WorkerManager) StopWorker(id string, graceful bool) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	if !m.markStopped(w, "stopped") {
		return nil
	}

	w.mu.RLock()
	cancel := w.cancel
	done := w.done
	w.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	if !graceful || done == nil {
		m.logger.Info("Worker stopped", zap.String("worker_id", id), zap.Bool("graceful", graceful))
		return nil
	}

	timer := time.NewTimer(m.cfg.GraceTimeout)
	defer timer.Stop()

	select {
	case <-done:
		m.logger.Info("Worker stopped gracefully", zap.String("worker_id", id))
	case <-timer.C:
		m.logger.Warn("Worker did not stop within grace period",
			zap.String("worker_id", id),
			zap.Duration("grace_timeout", m.cfg.GraceTimeout))
	}
	return nil
}

// markStopped moves a worker to Stopped and returns false if it already was
func (m *WorkerManager) markStopped(w *ManagedWorker, reason string) bool {
	w.mu.Lock()
	if w.state == model.WorkerStateStopped {
		w.mu.Unlock()
		return false
	}

	now := time.Now()
	prev := w.state
	w.stopRequested.Store(true)
	w.state = model.WorkerStateStopped
	w.stoppedAt = &now
	w.mu.Unlock()

	m.publishState(w, prev, model.WorkerStateStopped, reason)
	return true
}

// RemoveWorker unregisters a worker that is not running
func (m *WorkerManager) RemoveWorker(id string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.RLock()
	state := w.state
	active := w.loopActive()
	w.mu.RUnlock()

	if active || (state != model.WorkerStateStopped && state != model.WorkerStateCreated) {
		return fmt.Errorf("cannot remove worker %s in state %s: %w", id, state, ErrInvalidTransition)
	}

	m.workers.Delete(id)
	m.logger.Info("Worker removed", zap.String("worker_id", id))
	return nil
}

// SubmitTask queues a task for a worker
func (m *WorkerManager) SubmitTask(id string, task *model.Task) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}
	if w.stopRequested.Load() {
		return fmt.Errorf("cannot submit to worker %s: %w", id, ErrWorkerStopped)
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Platform == "" {
		task.Platform = w.platform
	}

	select {
	case w.queue <- task:
		m.logger.Debug("Task queued",
			zap.String("worker_id", id),
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.Type)))
		return nil
	default:
		return fmt.Errorf("cannot submit to worker %s: %w", id, ErrQueueFull)
	}
}

// UpdateProgress records and publishes a worker's progress
func (m *WorkerManager) UpdateProgress(id, description string, percent int, details map[string]string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	progress := model.WorkerProgress{Description: description, Percent: percent, Details: details}

	now := time.Now()
	w.mu.Lock()
	w.progress = progress
	w.lastActivityAt = &now
	w.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:     events.TypeProgress,
		WorkerID: id,
		Payload:  events.Progress{WorkerID: id, Progress: progress},
	})
	return nil
}

// SetViewMode changes the operator-facing view mode. It never touches the execution state.
func (m *WorkerManager) SetViewMode(id string, mode model.WorkerViewMode, url, reason string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.viewMode
	w.viewMode = mode
	if mode == model.ViewModeNeedsHelp {
		w.helpURL = url
		w.helpReason = reason
	} else {
		w.helpURL = ""
		w.helpReason = ""
	}
	w.mu.Unlock()

	if prev == mode {
		return nil
	}

	m.logger.Info("Worker view mode changed",
		zap.String("worker_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(mode)),
		zap.String("reason", reason))

	m.bus.Publish(events.Event{
		Type:     events.TypeViewMode,
		WorkerID: id,
		Payload: events.ViewModeChanged{
			WorkerID: id,
			Previous: prev,
			ViewMode: mode,
			URL:      url,
			Reason:   reason,
		},
	})
	return nil
}

// ViewMode returns the worker's current view mode
func (m *WorkerManager) ViewMode(id string) (model.WorkerViewMode, error) {
	w, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.viewMode, nil
}

// RequestHumanHelp switches the worker to NeedsHelp and publishes a help-requested event
func (m *WorkerManager) RequestHumanHelp(id string, request *model.HumanAssistanceRequest, url, reason string) error {
	if err := m.SetViewMode(id, model.ViewModeNeedsHelp, url, reason); err != nil {
		return err
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeHelpRequested,
		WorkerID: id,
		Payload:  events.HelpRequested{Request: request, URL: url, Reason: reason},
	})

	m.logger.Warn("Worker needs human help",
		zap.String("worker_id", id),
		zap.String("request_id", request.ID),
		zap.String("url", url),
		zap.String("reason", reason))
	return nil
}

// GetWorker returns a snapshot of one worker
func (m *WorkerManager) GetWorker(id string) (model.WorkerInfo, error) {
	w, err := m.lookup(id)
	if err != nil {
		return model.WorkerInfo{}, err
	}
	return w.snapshot(), nil
}

// ListWorkers returns snapshots of every worker ordered by creation time
func (m *WorkerManager) ListWorkers() []model.WorkerInfo {
	var infos []model.WorkerInfo
	m.workers.Range(func(_, value interface{}) bool {
		infos = append(infos, value.(*ManagedWorker).snapshot())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (m *WorkerManager) lookup(id string) (*ManagedWorker, error) {
	value, ok := m.workers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return value.(*ManagedWorker), nil
}

func (m *WorkerManager) publishState(w *ManagedWorker, prev, state model.WorkerState, reason string) {
	now := time.Now()
	m.bus.Publish(events.Event{
		Type:      events.TypeStateChanged,
		WorkerID:  w.id,
		Timestamp: now,
		Payload: events.StateChanged{
			WorkerID:      w.id,
			WorkerName:    w.name,
			PreviousState: prev,
			State:         state,
			Reason:        reason,
			Timestamp:     now,
		},
	})
}
