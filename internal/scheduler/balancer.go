package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// WorkerSource lists workers and queues tasks. *manager.WorkerManager satisfies it.
type WorkerSource interface {
	Submitter
	ListWorkers() []model.WorkerInfo
}

// BalancingStrategy picks one of the available workers for a task
type BalancingStrategy interface {
	SelectWorker(candidates []model.WorkerInfo, task *model.Task) (model.WorkerInfo, error)
}

// RoundRobinStrategy cycles through the available workers
type RoundRobinStrategy struct {
	mu      sync.Mutex
	current int
}

// SelectWorker implements BalancingStrategy
func (s *RoundRobinStrategy) SelectWorker(candidates []model.WorkerInfo, task *model.Task) (model.WorkerInfo, error) {
	if len(candidates) == 0 {
		return model.WorkerInfo{}, ErrNoAvailableWorker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	worker := candidates[s.current%len(candidates)]
	s.current++
	return worker, nil
}

// LeastLoadStrategy picks the worker with the shortest queue
type LeastLoadStrategy struct{}

// SelectWorker implements BalancingStrategy
func (s *LeastLoadStrategy) SelectWorker(candidates []model.WorkerInfo, task *model.Task) (model.WorkerInfo, error) {
	if len(candidates) == 0 {
		return model.WorkerInfo{}, ErrNoAvailableWorker
	}

	selected := candidates[0]
	for _, w := range candidates[1:] {
		if w.QueueLength < selected.QueueLength {
			selected = w
		}
	}
	return selected, nil
}

// Balancer routes tasks without a worker ID to a worker for the task's platform
type Balancer struct {
	logger   *zap.Logger
	source   WorkerSource
	strategy BalancingStrategy
}

// NewBalancer creates a balancer over the given workers
func NewBalancer(source WorkerSource, strategy BalancingStrategy, logger *zap.Logger) *Balancer {
	if strategy == nil {
		strategy = &LeastLoadStrategy{}
	}
	return &Balancer{
		logger:   logger.Named("balancer"),
		source:   source,
		strategy: strategy,
	}
}

// SubmitTask queues the task on workerID, or on a worker chosen by platform when workerID is empty
func (b *Balancer) SubmitTask(workerID string, task *model.Task) error {
	if workerID != "" {
		return b.source.SubmitTask(workerID, task)
	}

	worker, err := b.SelectWorker(task)
	if err != nil {
		return err
	}

	b.logger.Debug("Routed task",
		zap.String("task_id", task.ID),
		zap.String("platform", task.Platform),
		zap.String("worker_id", worker.ID))

	return b.source.SubmitTask(worker.ID, task)
}

// SelectWorker returns the worker that would receive the task
func (b *Balancer) SelectWorker(task *model.Task) (model.WorkerInfo, error) {
	candidates := available(b.source.ListWorkers(), task.Platform)
	worker, err := b.strategy.SelectWorker(candidates, task)
	if err != nil {
		return model.WorkerInfo{}, fmt.Errorf("%w for platform %q", err, task.Platform)
	}
	return worker, nil
}

// available keeps running workers of the platform that are not waiting on a human, ordered by ID
func available(workers []model.WorkerInfo, platform string) []model.WorkerInfo {
	var out []model.WorkerInfo
	for _, w := range workers {
		if w.Platform != platform || w.State != model.WorkerStateRunning {
			continue
		}
		if w.ViewMode == model.ViewModeNeedsHelp || w.ViewMode == model.ViewModeHumanControl {
			continue
		}
		if w.PauseRequested || w.StopRequested {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
