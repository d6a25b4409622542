package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/t77yq/postpilot/internal/model"
)

// TaskProcessor runs one task for a worker, including any recovery.
// The returned error is non-nil only when processing was cancelled.
type TaskProcessor interface {
	ExecuteWithHealing(ctx context.Context, workerID string, task *model.Task) (*model.HealingResult, error)
}

// ManagedWorker is a unit of concurrent execution owned by the WorkerManager
type ManagedWorker struct {
	id            string
	name          string
	platform      string
	preferredCore int
	processor     TaskProcessor
	queue         chan *model.Task

	// Cooperative control flags, polled by the driver loop
	pauseRequested atomic.Bool
	stopRequested  atomic.Bool

	tasksProcessed atomic.Int64
	successes      atomic.Int64
	failures       atomic.Int64
	errors         atomic.Int64
	totalTime      atomic.Int64

	mu             sync.RWMutex
	state          model.WorkerState
	viewMode       model.WorkerViewMode
	helpURL        string
	helpReason     string
	progress       model.WorkerProgress
	createdAt      time.Time
	startedAt      *time.Time
	pausedAt       *time.Time
	resumedAt      *time.Time
	stoppedAt      *time.Time
	lastActivityAt *time.Time

	// Driver loop lifecycle, guarded by mu
	cancel context.CancelFunc
	done   chan struct{}
}

func newManagedWorker(id, name, platform string, core int, processor TaskProcessor, queueSize int) *ManagedWorker {
	return &ManagedWorker{
		id:            id,
		name:          name,
		platform:      platform,
		preferredCore: core,
		processor:     processor,
		queue:         make(chan *model.Task, queueSize),
		state:         model.WorkerStateCreated,
		viewMode:      model.ViewModeHeadless,
		createdAt:     time.Now(),
	}
}

// loopActive reports whether a driver loop is running. Caller holds mu.
func (w *ManagedWorker) loopActive() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *ManagedWorker) touch() {
	now := time.Now()
	w.mu.Lock()
	w.lastActivityAt = &now
	w.mu.Unlock()
}

func (w *ManagedWorker) counters() model.WorkerCounters {
	return model.WorkerCounters{
		TasksProcessed:      w.tasksProcessed.Load(),
		Successes:           w.successes.Load(),
		Failures:            w.failures.Load(),
		Errors:              w.errors.Load(),
		TotalProcessingTime: time.Duration(w.totalTime.Load()),
	}
}

// snapshot returns a copy of the worker's observable state
func (w *ManagedWorker) snapshot() model.WorkerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	progress := w.progress
	if w.progress.Details != nil {
		progress.Details = make(map[string]string, len(w.progress.Details))
		for k, v := range w.progress.Details {
			progress.Details[k] = v
		}
	}

	return model.WorkerInfo{
		ID:             w.id,
		Name:           w.name,
		Platform:       w.platform,
		State:          w.state,
		ViewMode:       w.viewMode,
		PreferredCore:  w.preferredCore,
		Progress:       progress,
		Counters:       w.counters(),
		QueueLength:    len(w.queue),
		HelpURL:        w.helpURL,
		HelpReason:     w.helpReason,
		PauseRequested: w.pauseRequested.Load(),
		StopRequested:  w.stopRequested.Load(),
		CreatedAt:      w.createdAt,
		StartedAt:      copyTime(w.startedAt),
		PausedAt:       copyTime(w.pausedAt),
		ResumedAt:      copyTime(w.resumedAt),
		StoppedAt:      copyTime(w.stoppedAt),
		LastActivityAt: copyTime(w.lastActivityAt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
