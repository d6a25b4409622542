package knowledge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func solution(t *testing.T, s *model.Solution) string {
	t.Helper()
	raw, err := model.EncodeSolution(s)
	require.NoError(t, err)
	return raw
}

func TestSQLiteStore_SaveAndFindSolution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	k := &model.Knowledge{
		Platform:      "twitter",
		TaskType:      model.TaskTypePostContent,
		ErrorPattern:  "rate_limited",
		OriginalError: "429 too many requests",
		Solution:      solution(t, &model.Solution{Method: "rate_limit_wait", Wait: time.Minute}),
		SuccessCount:  1,
	}
	require.NoError(t, store.SaveKnowledge(ctx, k))
	require.NotEmpty(t, k.ID)

	found, err := store.FindSolution(ctx, "twitter", "429 too many requests")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, k.ID, found.ID)
	assert.Equal(t, model.TaskTypePostContent, found.TaskType)
	assert.Equal(t, int64(1), found.SuccessCount)

	missing, err := store.FindSolution(ctx, "linkedin", "429 too many requests")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_SaveKnowledgeMergesCounters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := &model.Knowledge{Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x", OriginalError: "boom", Solution: "{}", SuccessCount: 1}
	require.NoError(t, store.SaveKnowledge(ctx, first))

	second := &model.Knowledge{Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x", OriginalError: "boom", Solution: `{"method":"network_wait"}`, SuccessCount: 1}
	require.NoError(t, store.SaveKnowledge(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	found, err := store.FindSolution(ctx, "twitter", "boom")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(2), found.SuccessCount)
	assert.Equal(t, `{"method":"network_wait"}`, found.Solution)
}

func TestSQLiteStore_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	k := &model.Knowledge{Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x", OriginalError: "boom", Solution: "{}", SuccessCount: 1}
	require.NoError(t, store.SaveKnowledge(ctx, k))

	require.NoError(t, store.RecordOutcome(ctx, k.ID, true))
	require.NoError(t, store.RecordOutcome(ctx, k.ID, false))

	found, err := store.FindSolution(ctx, "twitter", "boom")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(2), found.SuccessCount)
	assert.Equal(t, int64(1), found.FailureCount)

	// a solution that fails more than it succeeds is no longer replayed
	require.NoError(t, store.RecordOutcome(ctx, k.ID, false))
	require.NoError(t, store.RecordOutcome(ctx, k.ID, false))
	found, err = store.FindSolution(ctx, "twitter", "boom")
	require.NoError(t, err)
	assert.Nil(t, found)

	assert.ErrorIs(t, store.RecordOutcome(ctx, "missing", true), ErrNotFound)
}

func TestSQLiteStore_FindSolutionForTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	weak := &model.Knowledge{Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x", OriginalError: "a", Solution: "{}", SuccessCount: 1}
	strong := &model.Knowledge{Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x", OriginalError: "b", Solution: "{}", SuccessCount: 5}
	other := &model.Knowledge{Platform: "twitter", TaskType: model.TaskTypeDeletePost, ErrorPattern: "x", OriginalError: "c", Solution: "{}", SuccessCount: 9}
	for _, k := range []*model.Knowledge{weak, strong, other} {
		require.NoError(t, store.SaveKnowledge(ctx, k))
	}

	found, err := store.FindSolutionForTask(ctx, "twitter", model.TaskTypePostContent)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, strong.ID, found.ID)

	none, err := store.FindSolutionForTask(ctx, "twitter", model.TaskTypeAnalyzeMetrics)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLiteStore_Workflows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	original := &model.Workflow{
		Platform: "twitter",
		TaskType: model.TaskTypePostContent,
		Steps:    []model.WorkflowStep{{Action: "click", Selector: "#submit"}},
		Active:   true,
	}
	require.NoError(t, store.SaveWorkflow(ctx, original))

	active, err := store.GetActiveWorkflow(ctx, "twitter", model.TaskTypePostContent)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, original.ID, active.ID)
	assert.Equal(t, "#submit", active.Steps[0].Selector)

	similar, err := store.FindSimilarWorkflow(ctx, "twitter", model.TaskTypePostContent)
	require.NoError(t, err)
	assert.Nil(t, similar)

	repaired := &model.Workflow{
		Platform: "twitter",
		TaskType: model.TaskTypePostContent,
		Steps:    []model.WorkflowStep{{Action: "click", Selector: "#post-btn"}},
		Active:   true,
	}
	require.NoError(t, store.SaveWorkflow(ctx, repaired))

	active, err = store.GetActiveWorkflow(ctx, "twitter", model.TaskTypePostContent)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, repaired.ID, active.ID)

	similar, err = store.FindSimilarWorkflow(ctx, "twitter", model.TaskTypePostContent)
	require.NoError(t, err)
	require.NotNil(t, similar)
	assert.Equal(t, original.ID, similar.ID)
	assert.False(t, similar.Active)
}

func TestSQLiteStore_AssistanceRequests(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	req := &model.HumanAssistanceRequest{
		ID:           "req-1",
		WorkerID:     "w1",
		WorkerName:   "poster",
		Platform:     "twitter",
		TaskType:     model.TaskTypePostContent,
		ErrorMessage: "captcha",
		RequestedAt:  time.Now(),
		Status:       model.AssistanceStatusPending,
	}
	require.NoError(t, store.SaveAssistanceRequest(ctx, req))

	pending, err := store.ListAssistanceRequests(ctx, model.AssistanceStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "poster", pending[0].WorkerName)
	assert.Nil(t, pending[0].ResolvedAt)

	now := time.Now()
	req.Status = model.AssistanceStatusResolved
	req.Resolution = "operator logged in"
	req.ResolvedAt = &now
	require.NoError(t, store.SaveAssistanceRequest(ctx, req))

	pending, err = store.ListAssistanceRequests(ctx, model.AssistanceStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := store.ListAssistanceRequests(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.AssistanceStatusResolved, all[0].Status)
	assert.Equal(t, "operator logged in", all[0].Resolution)
	require.NotNil(t, all[0].ResolvedAt)
}

func TestSQLiteStore_DeleteBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stale := &model.Knowledge{
		Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x",
		OriginalError: "old", Solution: "{}", SuccessCount: 1,
		LastUsedAt: time.Now().Add(-48 * time.Hour),
	}
	fresh := &model.Knowledge{
		Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x",
		OriginalError: "new", Solution: "{}", SuccessCount: 1,
	}
	require.NoError(t, store.SaveKnowledge(ctx, stale))
	require.NoError(t, store.SaveKnowledge(ctx, fresh))

	require.NoError(t, store.DeleteBefore(ctx, time.Now().Add(-24*time.Hour)))

	found, err := store.FindSolution(ctx, "twitter", "old")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = store.FindSolution(ctx, "twitter", "new")
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "knowledge.db")

	store, err := NewSQLiteStore(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, store.SaveKnowledge(ctx, &model.Knowledge{
		Platform: "twitter", TaskType: model.TaskTypePostContent, ErrorPattern: "x",
		OriginalError: "boom", Solution: "{}", SuccessCount: 1,
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer reopened.Close()

	found, err := reopened.FindSolution(ctx, "twitter", "boom")
	require.NoError(t, err)
	assert.NotNil(t, found)
}
