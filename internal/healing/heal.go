package healing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// healOutcome is what one healing tier achieved
type healOutcome struct {
	method        string
	healed        bool
	needsHuman    bool
	needsTraining bool

	// completed is set when the heal itself finished the task
	completed *model.TaskResult

	// replayed is the stored entry whose solution was applied
	replayed *model.Knowledge
	// learn is saved once the heal is confirmed by a successful execution
	learn *model.Knowledge
}

// heal tries stored knowledge first and falls back to the error class strategy
func (h *SelfHealingWorker) heal(ctx context.Context, workerID string, task *model.Task, errMsg string, last *model.TaskResult) (*healOutcome, error) {
	outcome, err := h.replayKnowledge(ctx, workerID, task, errMsg)
	if err != nil || outcome != nil {
		return outcome, err
	}

	errType := Classify(errMsg)
	h.progress(workerID, "Healing", 50, map[string]string{"error_type": string(errType)})
	h.logger.Info("Attempting classification healing",
		zap.String("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.String("error_type", string(errType)))

	switch errType {
	case ErrorTypeElementNotFound:
		return h.relearnElement(ctx, task, errMsg, last)
	case ErrorTypeSessionExpired:
		return h.refreshSession(ctx, task, errMsg)
	case ErrorTypeRateLimited:
		return h.waitAndRetry(ctx, workerID, task, errMsg, MethodRateLimitWait, h.cfg.RateLimitWait)
	case ErrorTypeNetworkError:
		return h.waitAndRetry(ctx, workerID, task, errMsg, MethodNetworkWait, h.cfg.NetworkWait)
	case ErrorTypeUIChanged:
		return h.relearnUI(ctx, task, errMsg)
	case ErrorTypePermissionDenied:
		return &healOutcome{method: MethodNeedsHuman, needsHuman: true}, nil
	default:
		return h.genericRelearn(ctx, workerID, task, errMsg)
	}
}

// replayKnowledge applies an exact (platform, error) match if one is stored
func (h *SelfHealingWorker) replayKnowledge(ctx context.Context, workerID string, task *model.Task, errMsg string) (*healOutcome, error) {
	if h.kb == nil {
		return nil, nil
	}

	k, err := h.kb.FindSolution(ctx, h.platform, errMsg)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Error("Failed to look up knowledge", zap.Error(err))
		return nil, nil
	}
	if k == nil {
		return nil, nil
	}

	sol, err := model.DecodeSolution(k.Solution)
	if err != nil {
		h.logger.Warn("Ignoring undecodable knowledge", zap.String("knowledge_id", k.ID), zap.Error(err))
		return nil, nil
	}

	h.progress(workerID, "Replaying known solution", 40, map[string]string{"knowledge_id": k.ID})
	outcome, err := h.applySolution(ctx, workerID, task, sol)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		h.recordOutcome(ctx, k.ID, false)
		return nil, nil
	}

	outcome.method = MethodKnowledgeBase
	outcome.replayed = k
	h.logger.Info("Replayed stored solution",
		zap.String("knowledge_id", k.ID),
		zap.String("solution_method", sol.Method))
	return outcome, nil
}

// applySolution re-applies a stored remediation. It returns nil when the solution could not be applied.
func (h *SelfHealingWorker) applySolution(ctx context.Context, workerID string, task *model.Task, sol *model.Solution) (*healOutcome, error) {
	switch {
	case sol.Code != "":
		if h.scripts == nil {
			return nil, nil
		}
		url := h.currentURL(ctx)
		res, err := h.scripts.Execute(ctx, sol.Code, task.Content, url)
		if err != nil {
			if isCancellation(err) {
				return nil, err
			}
			h.logger.Warn("Stored script failed", zap.Error(err))
			return nil, nil
		}
		if res == nil || !res.Success {
			return nil, nil
		}
		return &healOutcome{completed: scriptTaskResult(res)}, nil

	case sol.Workflow != nil:
		if h.kb == nil {
			return nil, nil
		}
		wf := sol.Workflow.Clone()
		wf.Active = true
		if err := h.kb.SaveWorkflow(ctx, wf); err != nil {
			if isCancellation(err) {
				return nil, err
			}
			h.logger.Error("Failed to restore workflow", zap.Error(err))
			return nil, nil
		}
		return &healOutcome{healed: true}, nil

	case sol.Wait > 0:
		if err := h.coord.DelayWithPauseCheck(ctx, workerID, sol.Wait); err != nil {
			return nil, err
		}
		return &healOutcome{healed: true}, nil

	case sol.Method == MethodSessionRefresh:
		outcome, err := h.refreshSession(ctx, task, "")
		if err != nil || !outcome.healed {
			return nil, err
		}
		return &healOutcome{healed: true}, nil
	}

	return nil, nil
}

func (h *SelfHealingWorker) relearnElement(ctx context.Context, task *model.Task, errMsg string, last *model.TaskResult) (*healOutcome, error) {
	notHealed := &healOutcome{method: MethodElementRelearning}
	if h.kb == nil || h.learning == nil {
		return notHealed, nil
	}

	wf, err := h.kb.GetActiveWorkflow(ctx, h.platform, task.Type)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Error("Failed to load active workflow", zap.Error(err))
		return notHealed, nil
	}
	if wf == nil {
		h.logger.Debug("No stored workflow to repair", zap.String("task_type", string(task.Type)))
		return notHealed, nil
	}

	html, screenshot := h.pageState(ctx)
	step := failedStepIndex(wf, errMsg, last)

	repaired, err := h.learning.TryAutoRepairWorkflow(ctx, wf.Clone(), step, html, screenshot)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Warn("Workflow repair failed", zap.Int("step", step), zap.Error(err))
		return notHealed, nil
	}
	if repaired == nil {
		return notHealed, nil
	}

	repaired.Active = true
	if err := h.kb.SaveWorkflow(ctx, repaired); err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Error("Failed to save repaired workflow", zap.Error(err))
		return notHealed, nil
	}

	return &healOutcome{
		method: MethodElementRelearning,
		healed: true,
		learn:  h.newKnowledge(task, errMsg, &model.Solution{Method: MethodElementRelearning, Workflow: repaired}),
	}, nil
}

func (h *SelfHealingWorker) refreshSession(ctx context.Context, task *model.Task, errMsg string) (*healOutcome, error) {
	notHealed := &healOutcome{method: MethodSessionRefresh}

	refresher, ok := h.worker.(SessionRefresher)
	if !ok {
		return notHealed, nil
	}
	if err := refresher.RefreshSession(ctx); err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Warn("Session refresh failed", zap.Error(err))
		return notHealed, nil
	}

	outcome := &healOutcome{method: MethodSessionRefresh, healed: true}
	if errMsg != "" {
		outcome.learn = h.newKnowledge(task, errMsg, &model.Solution{Method: MethodSessionRefresh})
	}
	return outcome, nil
}

// waitAndRetry waits out a transient condition; it always reports healed
func (h *SelfHealingWorker) waitAndRetry(ctx context.Context, workerID string, task *model.Task, errMsg, method string, d time.Duration) (*healOutcome, error) {
	h.progress(workerID, "Waiting before retry", 50, map[string]string{"method": method, "wait": d.String()})
	if err := h.coord.DelayWithPauseCheck(ctx, workerID, d); err != nil {
		return nil, err
	}
	return &healOutcome{
		method: method,
		healed: true,
		learn:  h.newKnowledge(task, errMsg, &model.Solution{Method: method, Wait: d}),
	}, nil
}

func (h *SelfHealingWorker) relearnUI(ctx context.Context, task *model.Task, errMsg string) (*healOutcome, error) {
	needsTraining := &healOutcome{method: MethodNeedsHumanTraining, needsTraining: true}
	if h.kb == nil {
		return needsTraining, nil
	}

	similar, err := h.kb.FindSimilarWorkflow(ctx, h.platform, task.Type)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Error("Failed to find similar workflow", zap.Error(err))
		return needsTraining, nil
	}
	if similar == nil {
		return needsTraining, nil
	}

	wf := similar.Clone()
	wf.Active = true
	if err := h.kb.SaveWorkflow(ctx, wf); err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Error("Failed to activate similar workflow", zap.Error(err))
		return needsTraining, nil
	}

	return &healOutcome{
		method: MethodUIRelearning,
		healed: true,
		learn:  h.newKnowledge(task, errMsg, &model.Solution{Method: MethodUIRelearning, Workflow: wf}),
	}, nil
}

// genericRelearn reuses any stored solution for the same platform and task type
func (h *SelfHealingWorker) genericRelearn(ctx context.Context, workerID string, task *model.Task, errMsg string) (*healOutcome, error) {
	notHealed := &healOutcome{method: MethodGenericRelearning}
	if h.kb == nil {
		return notHealed, nil
	}

	k, err := h.kb.FindSolutionForTask(ctx, h.platform, task.Type)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		h.logger.Error("Failed to look up task knowledge", zap.Error(err))
		return notHealed, nil
	}
	if k == nil {
		return notHealed, nil
	}

	sol, err := model.DecodeSolution(k.Solution)
	if err != nil {
		return notHealed, nil
	}
	outcome, err := h.applySolution(ctx, workerID, task, sol)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return notHealed, nil
	}

	outcome.method = MethodGenericRelearning
	outcome.learn = h.newKnowledge(task, errMsg, sol)
	return outcome, nil
}

// confirm records the verdict of the execution that followed a heal
func (h *SelfHealingWorker) confirm(ctx context.Context, o *healOutcome, success bool, result *model.HealingResult) {
	if o == nil || h.kb == nil {
		return
	}

	if o.replayed != nil {
		h.recordOutcome(ctx, o.replayed.ID, success)
		if success {
			result.LearnedKnowledge = o.replayed
		}
		return
	}

	if !success || o.learn == nil {
		return
	}

	o.learn.SuccessCount = 1
	o.learn.LastUsedAt = time.Now()
	if err := h.kb.SaveKnowledge(ctx, o.learn); err != nil {
		h.logger.Error("Failed to save learned knowledge", zap.Error(err))
		return
	}
	result.LearnedKnowledge = o.learn
}

func (h *SelfHealingWorker) recordOutcome(ctx context.Context, id string, success bool) {
	if err := h.kb.RecordOutcome(ctx, id, success); err != nil {
		h.logger.Error("Failed to record knowledge outcome",
			zap.String("knowledge_id", id),
			zap.Bool("success", success),
			zap.Error(err))
	}
}

func (h *SelfHealingWorker) newKnowledge(task *model.Task, errMsg string, sol *model.Solution) *model.Knowledge {
	raw, err := model.EncodeSolution(sol)
	if err != nil {
		h.logger.Error("Failed to encode solution", zap.Error(err))
		return nil
	}
	return &model.Knowledge{
		ID:            uuid.New().String(),
		Platform:      h.platform,
		TaskType:      task.Type,
		ErrorPattern:  string(Classify(errMsg)),
		OriginalError: errMsg,
		Solution:      raw,
		CreatedAt:     time.Now(),
	}
}

// pageState captures the live page for repair tiers; missing pieces are left empty
func (h *SelfHealingWorker) pageState(ctx context.Context) (string, []byte) {
	if h.browser == nil {
		return "", nil
	}
	html, err := h.browser.PageHTML(ctx)
	if err != nil {
		h.logger.Debug("Failed to capture page HTML", zap.Error(err))
	}
	screenshot, err := h.browser.Screenshot(ctx)
	if err != nil {
		h.logger.Debug("Failed to capture screenshot", zap.Error(err))
	}
	return html, screenshot
}

func (h *SelfHealingWorker) currentURL(ctx context.Context) string {
	if h.browser == nil {
		return ""
	}
	url, err := h.browser.CurrentURL(ctx)
	if err != nil {
		h.logger.Debug("Failed to read current URL", zap.Error(err))
	}
	return url
}

// failedStepIndex locates the failing step from the result data or the selector named in the error
func failedStepIndex(wf *model.Workflow, errMsg string, last *model.TaskResult) int {
	if last != nil {
		switch v := last.Data["failed_step"].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	for i, step := range wf.Steps {
		if step.Selector != "" && strings.Contains(errMsg, step.Selector) {
			return i
		}
	}
	return 0
}

func scriptTaskResult(res *model.ScriptResult) *model.TaskResult {
	return &model.TaskResult{
		Success: true,
		Data: map[string]interface{}{
			"post_id":  res.PostID,
			"post_url": res.PostURL,
			"source":   "generated_script",
		},
	}
}
