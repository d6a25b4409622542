package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// Dependencies are the collaborators of a SelfHealingWorker.
// Worker and Coordinator are required; a nil optional collaborator disables the tiers that need it.
type Dependencies struct {
	Worker      PlatformWorker
	Coordinator Coordinator
	Knowledge   KnowledgeBase
	Learning    LearningEngine
	CodeGen     CodeGenerator
	Scripts     ScriptExecutor
	Browser     Browser
}

// SelfHealingWorker runs tasks for one platform through the recovery ladder
type SelfHealingWorker struct {
	logger   *zap.Logger
	cfg      Config
	platform string

	worker   PlatformWorker
	coord    Coordinator
	kb       KnowledgeBase
	learning LearningEngine
	codegen  CodeGenerator
	scripts  ScriptExecutor
	browser  Browser
}

// NewSelfHealingWorker creates a self-healing worker for platform
func NewSelfHealingWorker(platform string, cfg Config, deps Dependencies, logger *zap.Logger) (*SelfHealingWorker, error) {
	if deps.Worker == nil {
		return nil, ErrMissingWorker
	}
	if deps.Coordinator == nil {
		return nil, ErrMissingCoordinator
	}

	return &SelfHealingWorker{
		logger:   logger.Named("self-healing").With(zap.String("platform", platform)),
		cfg:      cfg.withDefaults(),
		platform: platform,
		worker:   deps.Worker,
		coord:    deps.Coordinator,
		kb:       deps.Knowledge,
		learning: deps.Learning,
		codegen:  deps.CodeGen,
		scripts:  deps.Scripts,
		browser:  deps.Browser,
	}, nil
}

// attempt is one execution's normalized outcome
type attempt struct {
	result *model.TaskResult
	errMsg string
	fatal  bool
}

// ExecuteWithHealing runs the task until it succeeds or the ladder is exhausted.
// The returned error is non-nil only when the task was cancelled; every other
// failure is reported through the result.
func (h *SelfHealingWorker) ExecuteWithHealing(ctx context.Context, workerID string, task *model.Task) (*model.HealingResult, error) {
	start := time.Now()
	result := &model.HealingResult{TaskID: task.ID}
	defer func() { result.ProcessingTime = time.Since(start) }()

	logger := h.logger.With(
		zap.String("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)))

	if err := model.ValidateTask(task); err != nil {
		result.Error = err.Error()
		logger.Warn("Task rejected", zap.Error(err))
		return result, nil
	}

	var (
		lastErr      string
		executions   int
		healTriggers bool
		pending      *healOutcome
		escalate     bool
	)

	for {
		if err := h.coord.CheckPauseAndWait(ctx, workerID); err != nil {
			return h.unwind(result, err)
		}

		if !healTriggers {
			executions++
		}
		healTriggers = false
		result.Attempts++

		h.progress(workerID, fmt.Sprintf("Executing %s (attempt %d)", task.Type, result.Attempts), 10, nil)
		out := h.execute(ctx, task)
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if out.errMsg == "" {
			h.confirm(ctx, pending, true, result)
			result.Success = true
			result.Error = ""
			result.Data = out.result.Data
			result.SelfHealed = pending != nil
			if pending == nil {
				// a plain retry succeeded; earlier heal attempts did not contribute
				result.HealingMethod = ""
				result.NeedsHumanTraining = false
			}
			logger.Info("Task succeeded",
				zap.Int("attempts", result.Attempts),
				zap.Bool("self_healed", result.SelfHealed),
				zap.String("healing_method", result.HealingMethod))
			return result, nil
		}

		lastErr = out.errMsg
		result.Error = lastErr
		h.confirm(ctx, pending, false, result)
		pending = nil

		if out.fatal {
			logger.Warn("Task failed with a fatal error", zap.String("error", lastErr))
			return result, nil
		}

		logger.Info("Task attempt failed",
			zap.Int("attempt", result.Attempts),
			zap.String("error", lastErr))

		if result.HealingAttempts < h.cfg.MaxHealingAttempts {
			result.HealingAttempts++
			outcome, err := h.heal(ctx, workerID, task, lastErr, out.result)
			if err != nil {
				return h.unwind(result, err)
			}

			switch {
			case outcome.completed != nil:
				h.confirm(ctx, outcome, true, result)
				result.HealingMethod = outcome.method
				result.Success = true
				result.Error = ""
				result.SelfHealed = true
				result.Data = outcome.completed.Data
				logger.Info("Task completed by healing", zap.String("healing_method", outcome.method))
				return result, nil
			case outcome.healed:
				result.HealingMethod = outcome.method
				logger.Info("Healing applied, retrying", zap.String("healing_method", outcome.method))
				pending = outcome
				healTriggers = true
				continue
			case outcome.needsHuman:
				result.HealingMethod = outcome.method
				escalate = true
			case outcome.needsTraining:
				result.HealingMethod = outcome.method
				result.NeedsHumanTraining = true
			default:
				logger.Debug("Healing did not apply", zap.String("healing_method", outcome.method))
			}
		}

		if escalate || executions >= h.cfg.MaxRetryAttempts {
			break
		}

		backoff := h.cfg.RetryDelay * time.Duration(executions)
		h.progress(workerID, "Backing off before retry", 10, map[string]string{"delay": backoff.String()})
		if err := h.coord.DelayWithPauseCheck(ctx, workerID, backoff); err != nil {
			return h.unwind(result, err)
		}
	}

	if !escalate {
		done, err := h.tryAICodeGeneration(ctx, workerID, task, lastErr, result)
		if err != nil {
			return h.unwind(result, err)
		}
		if done {
			return result, nil
		}
	}

	if !h.cfg.EnableHumanTraining {
		logger.Warn("Task failed after exhausting recovery", zap.String("error", lastErr))
		return result, nil
	}

	if err := h.escalateToHuman(ctx, workerID, task, lastErr, result); err != nil {
		return h.unwind(result, err)
	}
	return result, nil
}

// execute runs one attempt, normalizing panics and failures into an error message
func (h *SelfHealingWorker) execute(ctx context.Context, task *model.Task) (out attempt) {
	defer func() {
		if r := recover(); r != nil {
			out = attempt{errMsg: fmt.Sprintf("platform worker panic: %v", r)}
		}
	}()

	started := time.Now()
	res, err := h.worker.Execute(ctx, task.Type, task)
	if res == nil {
		res = &model.TaskResult{}
	}
	if res.ProcessingTimeMs == 0 {
		res.ProcessingTimeMs = time.Since(started).Milliseconds()
	}

	switch {
	case err != nil:
		return attempt{result: res, errMsg: err.Error(), fatal: errors.Is(err, model.ErrValidation)}
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "task failed without an error message"
		}
		return attempt{result: res, errMsg: msg}
	}
	return attempt{result: res}
}

// unwind returns cancellation to the caller and normalizes anything else into the result
func (h *SelfHealingWorker) unwind(result *model.HealingResult, err error) (*model.HealingResult, error) {
	if isCancellation(err) {
		return result, err
	}
	result.Success = false
	if result.Error == "" {
		result.Error = err.Error()
	} else {
		result.Error = fmt.Sprintf("%s (%v)", result.Error, err)
	}
	return result, nil
}

func (h *SelfHealingWorker) progress(workerID, description string, percent int, details map[string]string) {
	if err := h.coord.UpdateProgress(workerID, description, percent, details); err != nil {
		h.logger.Debug("Failed to update progress", zap.String("worker_id", workerID), zap.Error(err))
	}
}
