package healing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

var errStopWhileWaiting = fmt.Errorf("stop requested while waiting for human assistance: %w", context.Canceled)

// tryAICodeGeneration asks the code generator for fresh automation and runs it.
// It reports true when the generated code completed the task.
func (h *SelfHealingWorker) tryAICodeGeneration(ctx context.Context, workerID string, task *model.Task, lastErr string, result *model.HealingResult) (bool, error) {
	if !h.cfg.EnableAICodeGeneration || h.codegen == nil || h.scripts == nil {
		return false, nil
	}
	if h.codegen.ShouldEscalateToHuman(h.platform, task.Type) {
		h.logger.Info("Skipping code generation after repeated failures",
			zap.String("worker_id", workerID),
			zap.String("task_type", string(task.Type)))
		return false, nil
	}

	h.progress(workerID, "Generating automation code", 70, nil)

	html, _ := h.pageState(ctx)
	url := h.currentURL(ctx)

	var prior *model.Workflow
	if h.kb != nil {
		wf, err := h.kb.GetActiveWorkflow(ctx, h.platform, task.Type)
		if err != nil && isCancellation(err) {
			return false, err
		}
		prior = wf
	}

	gen, err := h.codegen.GeneratePostingCode(ctx, model.CodeRequest{
		Platform:      h.platform,
		TaskType:      task.Type,
		ErrorMessage:  lastErr,
		HTML:          html,
		URL:           url,
		PriorWorkflow: prior,
	})
	if err != nil {
		if isCancellation(err) {
			return false, err
		}
		h.logger.Warn("Code generation failed", zap.Error(err))
		return false, nil
	}
	if gen == nil || !gen.Success || gen.Code == "" {
		h.logger.Warn("Code generator returned no usable code")
		return false, nil
	}

	res, err := h.scripts.Execute(ctx, gen.Code, task.Content, url)
	if err != nil {
		if isCancellation(err) {
			return false, err
		}
		h.logger.Warn("Generated code failed to run", zap.Error(err))
		return false, nil
	}
	if res == nil || !res.Success {
		msg := "generated code reported failure"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		h.logger.Warn("Generated code did not complete the task", zap.String("error", msg))
		return false, nil
	}

	h.codegen.ResetFailureCount(h.platform, task.Type)

	completed := scriptTaskResult(res)
	result.Success = true
	result.Error = ""
	result.SelfHealed = true
	result.HealingMethod = MethodAICodeGeneration
	result.Data = completed.Data

	learn := h.newKnowledge(task, lastErr, &model.Solution{Method: MethodAICodeGeneration, Code: gen.Code})
	h.confirm(ctx, &healOutcome{learn: learn}, true, result)

	h.logger.Info("Task completed by generated code",
		zap.String("worker_id", workerID),
		zap.String("post_id", res.PostID))
	return true, nil
}

// escalateToHuman persists an assistance request, flags the worker and blocks until an
// operator takes over or the wait times out. The task is not retried afterwards.
func (h *SelfHealingWorker) escalateToHuman(ctx context.Context, workerID string, task *model.Task, lastErr string, result *model.HealingResult) error {
	req := &model.HumanAssistanceRequest{
		ID:           uuid.New().String(),
		WorkerID:     workerID,
		Platform:     h.platform,
		TaskType:     task.Type,
		ErrorMessage: lastErr,
		RequestedAt:  time.Now(),
		Status:       model.AssistanceStatusPending,
	}
	if info, err := h.coord.GetWorker(workerID); err == nil {
		req.WorkerName = info.Name
	}
	h.saveRequest(ctx, req)

	url := h.currentURL(ctx)
	reason := fmt.Sprintf("%s failed: %s", task.Type, lastErr)
	if err := h.coord.RequestHumanHelp(workerID, req, url, reason); err != nil {
		return fmt.Errorf("failed to request human help: %w", err)
	}

	result.NeedsHumanHelp = true
	result.AssistanceRequestID = req.ID

	h.logger.Warn("Waiting for human assistance",
		zap.String("worker_id", workerID),
		zap.String("request_id", req.ID),
		zap.Duration("timeout", h.cfg.HumanWaitTimeout))

	status, resolution, err := h.waitForHuman(ctx, workerID)
	if err != nil {
		h.abandonRequest(ctx, workerID, req, err)
		return err
	}

	now := time.Now()
	req.Status = status
	req.Resolution = resolution
	req.ResolvedAt = &now
	h.saveRequest(ctx, req)

	h.logger.Info("Human assistance finished",
		zap.String("worker_id", workerID),
		zap.String("request_id", req.ID),
		zap.String("status", string(status)))
	return nil
}

// waitForHuman polls the view mode until it leaves NeedsHelp or the timeout elapses
func (h *SelfHealingWorker) waitForHuman(ctx context.Context, workerID string) (model.AssistanceStatus, string, error) {
	ticker := time.NewTicker(h.cfg.HumanPollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(h.cfg.HumanWaitTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-timeout.C:
			if err := h.coord.SetViewMode(workerID, model.ViewModeHeadless, "", "human assistance timed out"); err != nil {
				h.logger.Error("Failed to reset view mode", zap.String("worker_id", workerID), zap.Error(err))
			}
			return model.AssistanceStatusCancelled, "timed out waiting for human assistance", nil
		case <-ticker.C:
			if h.coord.ShouldStop(workerID) {
				return "", "", errStopWhileWaiting
			}
			mode, err := h.coord.ViewMode(workerID)
			if err != nil {
				return "", "", err
			}
			if mode != model.ViewModeNeedsHelp {
				return model.AssistanceStatusResolved, fmt.Sprintf("operator switched view mode to %s", mode), nil
			}
		}
	}
}

// abandonRequest cancels a request whose worker stopped waiting and clears the worker's NeedsHelp flag
func (h *SelfHealingWorker) abandonRequest(ctx context.Context, workerID string, req *model.HumanAssistanceRequest, cause error) {
	now := time.Now()
	req.Status = model.AssistanceStatusCancelled
	req.Resolution = fmt.Sprintf("worker stopped while waiting: %v", cause)
	req.ResolvedAt = &now
	h.saveRequest(context.WithoutCancel(ctx), req)

	if err := h.coord.SetViewMode(workerID, model.ViewModeHeadless, "", "worker stopped"); err != nil {
		h.logger.Warn("Failed to reset view mode", zap.String("worker_id", workerID), zap.Error(err))
	}

	h.logger.Info("Human assistance abandoned",
		zap.String("worker_id", workerID),
		zap.String("request_id", req.ID),
		zap.Error(cause))
}

func (h *SelfHealingWorker) saveRequest(ctx context.Context, req *model.HumanAssistanceRequest) {
	if h.kb == nil {
		return
	}
	if err := h.kb.SaveAssistanceRequest(ctx, req); err != nil {
		h.logger.Error("Failed to save assistance request",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}
