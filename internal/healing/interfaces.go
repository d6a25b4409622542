package healing

import (
	"context"
	"time"

	"github.com/t77yq/postpilot/internal/model"
)

// PlatformWorker performs the platform-specific action for a task type
type PlatformWorker interface {
	Execute(ctx context.Context, taskType model.TaskType, task *model.Task) (*model.TaskResult, error)
}

// SessionRefresher is implemented by platform workers that can renew their credentials
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// KnowledgeBase persists learned fixes, workflows and assistance requests.
// Finders return nil, nil when nothing matches.
type KnowledgeBase interface {
	FindSolution(ctx context.Context, platform, errorMessage string) (*model.Knowledge, error)
	FindSolutionForTask(ctx context.Context, platform string, taskType model.TaskType) (*model.Knowledge, error)
	SaveKnowledge(ctx context.Context, k *model.Knowledge) error
	RecordOutcome(ctx context.Context, id string, success bool) error
	GetActiveWorkflow(ctx context.Context, platform string, taskType model.TaskType) (*model.Workflow, error)
	FindSimilarWorkflow(ctx context.Context, platform string, taskType model.TaskType) (*model.Workflow, error)
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	SaveAssistanceRequest(ctx context.Context, req *model.HumanAssistanceRequest) error
}

// LearningEngine repairs a stored workflow against the current page
type LearningEngine interface {
	TryAutoRepairWorkflow(ctx context.Context, wf *model.Workflow, failedStep int, html string, screenshot []byte) (*model.Workflow, error)
}

// CodeGenerator produces browser automation code for a failing task
type CodeGenerator interface {
	GeneratePostingCode(ctx context.Context, req model.CodeRequest) (*model.GeneratedCode, error)
	ShouldEscalateToHuman(platform string, taskType model.TaskType) bool
	ResetFailureCount(platform string, taskType model.TaskType)
}

// ScriptExecutor runs generated code in the live browser
type ScriptExecutor interface {
	Execute(ctx context.Context, code, content, url string) (*model.ScriptResult, error)
}

// Browser exposes the live page to the healing tiers
type Browser interface {
	PageHTML(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Coordinator is the worker manager surface the ladder needs: cooperative waits,
// progress and the human escalation view mode. *manager.WorkerManager satisfies it.
type Coordinator interface {
	DelayWithPauseCheck(ctx context.Context, id string, d time.Duration) error
	CheckPauseAndWait(ctx context.Context, id string) error
	ShouldStop(id string) bool
	UpdateProgress(id, description string, percent int, details map[string]string) error
	RequestHumanHelp(id string, request *model.HumanAssistanceRequest, url, reason string) error
	SetViewMode(id string, mode model.WorkerViewMode, url, reason string) error
	ViewMode(id string) (model.WorkerViewMode, error)
	GetWorker(id string) (model.WorkerInfo, error)
}
