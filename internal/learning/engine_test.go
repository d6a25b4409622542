package learning

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/model"
)

func workflow(steps ...model.WorkflowStep) *model.Workflow {
	return &model.Workflow{ID: "wf-1", Platform: "twitter", TaskType: model.TaskTypePostContent, Steps: steps}
}

func TestTryAutoRepairWorkflow_ByText(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	wf := workflow(
		model.WorkflowStep{Action: "type", Selector: "#compose"},
		model.WorkflowStep{Action: "click", Selector: "#submit", Text: "Post"},
	)
	html := `<html><body>
		<textarea id="compose"></textarea>
		<button id="cancel-btn">Cancel</button>
		<button id="post-btn">Post</button>
	</body></html>`

	repaired, err := e.TryAutoRepairWorkflow(context.Background(), wf, 1, html, nil)
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, "#post-btn", repaired.Steps[1].Selector)
	assert.Equal(t, "#compose", repaired.Steps[0].Selector)
	assert.Equal(t, "#submit", wf.Steps[1].Selector, "input workflow must not be modified")
}

func TestTryAutoRepairWorkflow_ByNameKeyword(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	wf := workflow(model.WorkflowStep{Action: "type", Selector: "#tweet-box", Description: "compose the tweet"})
	html := `<html><body>
		<input name="search" placeholder="Search">
		<textarea name="tweet" placeholder="What's happening?"></textarea>
	</body></html>`

	repaired, err := e.TryAutoRepairWorkflow(context.Background(), wf, 0, html, nil)
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, `textarea[name="tweet"]`, repaired.Steps[0].Selector)
}

func TestTryAutoRepairWorkflow_ByAriaLabel(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	wf := workflow(model.WorkflowStep{Action: "click", Selector: "#share", Text: "share now"})
	html := `<html><body><div role="button" aria-label="Share now">&#10148;</div></body></html>`

	repaired, err := e.TryAutoRepairWorkflow(context.Background(), wf, 0, html, nil)
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, `div[aria-label="Share now"]`, repaired.Steps[0].Selector)
}

func TestTryAutoRepairWorkflow_NoCandidate(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	wf := workflow(model.WorkflowStep{Action: "click", Selector: "#submit", Text: "Publish"})

	repaired, err := e.TryAutoRepairWorkflow(context.Background(), wf, 0, `<html><body><p>Loading</p></body></html>`, nil)
	require.NoError(t, err)
	assert.Nil(t, repaired)

	repaired, err = e.TryAutoRepairWorkflow(context.Background(), wf, 0, "", nil)
	require.NoError(t, err)
	assert.Nil(t, repaired)
}

func TestTryAutoRepairWorkflow_SelectorStillMatches(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	wf := workflow(model.WorkflowStep{Action: "click", Selector: "#submit", Text: "Post"})

	repaired, err := e.TryAutoRepairWorkflow(context.Background(), wf, 0, `<html><body><button id="submit">Post</button></body></html>`, nil)
	require.NoError(t, err)
	assert.Nil(t, repaired)
}

func TestTryAutoRepairWorkflow_StepOutOfRange(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	_, err := e.TryAutoRepairWorkflow(context.Background(), workflow(), 0, "<html></html>", nil)
	assert.Error(t, err)
}

func TestCSSPath(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(stringsReader(`<html><body><div><span></span><button>Go</button></div></body></html>`))
	require.NoError(t, err)

	button := doc.Find("button")
	path := cssPath(button)
	assert.Equal(t, "body > div:nth-child(1) > button:nth-child(2)", path)
	assert.Equal(t, 1, doc.Find(path).Length())
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }
