package healing

import (
	"context"
	"sync"
	"time"

	"github.com/t77yq/postpilot/internal/model"
)

// fakePlatform replays scripted outcomes, repeating the last one
type fakePlatform struct {
	mu       sync.Mutex
	outcomes []func() (*model.TaskResult, error)
	calls    int
	refresh  error
}

func (p *fakePlatform) Execute(_ context.Context, _ model.TaskType, _ *model.Task) (*model.TaskResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	p.calls++
	return p.outcomes[i]()
}

func (p *fakePlatform) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func ok() (*model.TaskResult, error) {
	return &model.TaskResult{Success: true, Data: map[string]interface{}{"post_id": "p-1"}}, nil
}

func fail(msg string) func() (*model.TaskResult, error) {
	return func() (*model.TaskResult, error) {
		return &model.TaskResult{Success: false, Error: msg}, nil
	}
}

type refreshingPlatform struct {
	*fakePlatform
	refreshed int
}

func (p *refreshingPlatform) RefreshSession(context.Context) error {
	p.refreshed++
	return p.refresh
}

// fakeCoordinator records delays instead of sleeping
type fakeCoordinator struct {
	mu       sync.Mutex
	delays   []time.Duration
	viewMode model.WorkerViewMode
	helpReqs []*model.HumanAssistanceRequest
	stop     bool
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{viewMode: model.ViewModeHeadless}
}

func (c *fakeCoordinator) DelayWithPauseCheck(ctx context.Context, _ string, d time.Duration) error {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeCoordinator) CheckPauseAndWait(ctx context.Context, _ string) error { return ctx.Err() }

func (c *fakeCoordinator) ShouldStop(string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

func (c *fakeCoordinator) UpdateProgress(string, string, int, map[string]string) error { return nil }

func (c *fakeCoordinator) RequestHumanHelp(_ string, req *model.HumanAssistanceRequest, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.helpReqs = append(c.helpReqs, req)
	c.viewMode = model.ViewModeNeedsHelp
	return nil
}

func (c *fakeCoordinator) SetViewMode(_ string, mode model.WorkerViewMode, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewMode = mode
	return nil
}

func (c *fakeCoordinator) ViewMode(string) (model.WorkerViewMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewMode, nil
}

func (c *fakeCoordinator) GetWorker(id string) (model.WorkerInfo, error) {
	return model.WorkerInfo{ID: id, Name: "fake-worker"}, nil
}

func (c *fakeCoordinator) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// fakeKnowledge is an in-memory knowledge base
type fakeKnowledge struct {
	mu        sync.Mutex
	byError   map[string]*model.Knowledge
	byTask    map[model.TaskType]*model.Knowledge
	saved     []*model.Knowledge
	outcomes  map[string][]bool
	active    map[model.TaskType]*model.Workflow
	similar   map[model.TaskType]*model.Workflow
	workflows []*model.Workflow
	requests  map[string]model.HumanAssistanceRequest
	lookups   []string
}

func newFakeKnowledge() *fakeKnowledge {
	return &fakeKnowledge{
		byError:  make(map[string]*model.Knowledge),
		byTask:   make(map[model.TaskType]*model.Knowledge),
		outcomes: make(map[string][]bool),
		active:   make(map[model.TaskType]*model.Workflow),
		similar:  make(map[model.TaskType]*model.Workflow),
		requests: make(map[string]model.HumanAssistanceRequest),
	}
}

func (k *fakeKnowledge) FindSolution(_ context.Context, _ string, errorMessage string) (*model.Knowledge, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lookups = append(k.lookups, errorMessage)
	return k.byError[errorMessage], nil
}

func (k *fakeKnowledge) FindSolutionForTask(_ context.Context, _ string, taskType model.TaskType) (*model.Knowledge, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byTask[taskType], nil
}

func (k *fakeKnowledge) SaveKnowledge(_ context.Context, entry *model.Knowledge) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.saved = append(k.saved, entry)
	return nil
}

func (k *fakeKnowledge) RecordOutcome(_ context.Context, id string, success bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.outcomes[id] = append(k.outcomes[id], success)
	return nil
}

func (k *fakeKnowledge) GetActiveWorkflow(_ context.Context, _ string, taskType model.TaskType) (*model.Workflow, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active[taskType], nil
}

func (k *fakeKnowledge) FindSimilarWorkflow(_ context.Context, _ string, taskType model.TaskType) (*model.Workflow, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.similar[taskType], nil
}

func (k *fakeKnowledge) SaveWorkflow(_ context.Context, wf *model.Workflow) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.workflows = append(k.workflows, wf)
	k.active[wf.TaskType] = wf
	return nil
}

func (k *fakeKnowledge) SaveAssistanceRequest(ctx context.Context, req *model.HumanAssistanceRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.requests[req.ID] = *req
	return nil
}

func (k *fakeKnowledge) Requests() []model.HumanAssistanceRequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []model.HumanAssistanceRequest
	for _, r := range k.requests {
		out = append(out, r)
	}
	return out
}

type fakeLearning struct {
	repaired  *model.Workflow
	gotStep   int
	gotHTML   string
	callCount int
}

func (l *fakeLearning) TryAutoRepairWorkflow(_ context.Context, _ *model.Workflow, failedStep int, html string, _ []byte) (*model.Workflow, error) {
	l.callCount++
	l.gotStep = failedStep
	l.gotHTML = html
	return l.repaired, nil
}

type fakeCodeGen struct {
	escalate bool
	code     string
	calls    int
	resets   int
}

func (g *fakeCodeGen) GeneratePostingCode(_ context.Context, _ model.CodeRequest) (*model.GeneratedCode, error) {
	g.calls++
	if g.code == "" {
		return &model.GeneratedCode{Success: false, Error: "no code"}, nil
	}
	return &model.GeneratedCode{Success: true, Code: g.code}, nil
}

func (g *fakeCodeGen) ShouldEscalateToHuman(string, model.TaskType) bool { return g.escalate }

func (g *fakeCodeGen) ResetFailureCount(string, model.TaskType) { g.resets++ }

type fakeScripts struct {
	result *model.ScriptResult
	calls  int
}

func (s *fakeScripts) Execute(context.Context, string, string, string) (*model.ScriptResult, error) {
	s.calls++
	return s.result, nil
}

type fakeBrowser struct{}

func (fakeBrowser) PageHTML(context.Context) (string, error) {
	return `<html><body><button id="post-btn">Post</button></body></html>`, nil
}

func (fakeBrowser) CurrentURL(context.Context) (string, error) { return "https://example.com/compose", nil }

func (fakeBrowser) Screenshot(context.Context) ([]byte, error) { return []byte{0x89, 0x50}, nil }
