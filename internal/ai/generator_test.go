package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/model"
)

func messageResponse(text string) map[string]interface{} {
	return map[string]interface{}{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         DefaultModel,
		"content":       []map[string]interface{}{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]interface{}{"input_tokens": 10, "output_tokens": 20},
	}
}

func newTestGenerator(t *testing.T, handler http.HandlerFunc) *CodeGenerator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := NewCodeGenerator(Config{APIKey: "test-key", BaseURL: server.URL, MaxFailures: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestNewCodeGenerator_RequiresKey(t *testing.T) {
	_, err := NewCodeGenerator(Config{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestGeneratePostingCode(t *testing.T) {
	var body string
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse("Here you go:\n```javascript\ndocument.querySelector('#post').click();\nreturn {success: true};\n```\n"))
	})

	gen, err := g.GeneratePostingCode(context.Background(), model.CodeRequest{
		Platform:     "twitter",
		TaskType:     model.TaskTypePostContent,
		ErrorMessage: "element not found: #submit",
		HTML:         `<html><head><script>var secret=1;</script></head><body><button id="post">Post</button></body></html>`,
		URL:          "https://example.com/compose",
		PriorWorkflow: &model.Workflow{Steps: []model.WorkflowStep{
			{Action: "click", Selector: "#submit", Description: "submit post"},
		}},
	})
	require.NoError(t, err)
	require.True(t, gen.Success)
	assert.Equal(t, "document.querySelector('#post').click();\nreturn {success: true};", gen.Code)

	assert.Contains(t, body, "element not found: #submit")
	assert.Contains(t, body, "#submit")
	assert.Contains(t, body, "Post")
	assert.NotContains(t, body, "secret")
}

func TestGeneratePostingCode_NoCodeBlock(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse("```js\n```"))
	})

	gen, err := g.GeneratePostingCode(context.Background(), model.CodeRequest{Platform: "twitter", TaskType: model.TaskTypePostContent})
	require.NoError(t, err)
	assert.False(t, gen.Success)
	assert.NotEmpty(t, gen.Error)
}

func TestGeneratePostingCode_ServerError(t *testing.T) {
	var calls atomic.Int32
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	})

	gen, err := g.GeneratePostingCode(context.Background(), model.CodeRequest{Platform: "twitter", TaskType: model.TaskTypePostContent})
	require.NoError(t, err)
	assert.False(t, gen.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeneratePostingCode_Cancelled(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.GeneratePostingCode(ctx, model.CodeRequest{Platform: "twitter", TaskType: model.TaskTypePostContent})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailureCounter(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx := context.Background()
	req := model.CodeRequest{Platform: "twitter", TaskType: model.TaskTypePostContent}

	assert.False(t, g.ShouldEscalateToHuman("twitter", model.TaskTypePostContent))
	g.GeneratePostingCode(ctx, req)
	assert.False(t, g.ShouldEscalateToHuman("twitter", model.TaskTypePostContent))
	g.GeneratePostingCode(ctx, req)
	assert.True(t, g.ShouldEscalateToHuman("twitter", model.TaskTypePostContent))

	// counters are per platform and task type
	assert.False(t, g.ShouldEscalateToHuman("twitter", model.TaskTypeDeletePost))
	assert.False(t, g.ShouldEscalateToHuman("linkedin", model.TaskTypePostContent))

	g.ResetFailureCount("twitter", model.TaskTypePostContent)
	assert.False(t, g.ShouldEscalateToHuman("twitter", model.TaskTypePostContent))
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{"javascript fence", "text\n```javascript\nreturn 1;\n```", "return 1;", false},
		{"bare fence", "```\nreturn 2;\n```", "return 2;", false},
		{"first block wins", "```js\na();\n```\n```js\nb();\n```", "a();", false},
		{"no fences", "return 3;", "return 3;", false},
		{"empty", "  ", "", true},
		{"unterminated", "```js\nreturn 4;", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractCode(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrimHTML(t *testing.T) {
	out, err := trimHTML(`<html><head><style>p{}</style></head><body><script>x()</script><p>  hello   world </p></body></html>`, 0)
	require.NoError(t, err)
	assert.Equal(t, "<p> hello world </p>", out)

	out, err = trimHTML(`<body><p>abcdefghij</p></body>`, 8)
	require.NoError(t, err)
	assert.Len(t, out, 8)

	out, err = trimHTML("", 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}
