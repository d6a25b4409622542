package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/postpilot/internal/model"
)

type stubAdapter struct {
	calls map[string]int
	err   error
}

func newStubAdapter() *stubAdapter { return &stubAdapter{calls: make(map[string]int)} }

func (s *stubAdapter) call(name string) (map[string]interface{}, error) {
	s.calls[name]++
	if s.err != nil {
		return nil, s.err
	}
	return map[string]interface{}{"op": name}, nil
}

func (s *stubAdapter) GenerateContent(context.Context, *model.Task) (map[string]interface{}, error) {
	return s.call("generate_content")
}

func (s *stubAdapter) GenerateImage(context.Context, *model.Task) (map[string]interface{}, error) {
	return s.call("generate_image")
}

func (s *stubAdapter) PostContent(context.Context, *model.Task) (map[string]interface{}, error) {
	return s.call("post_content")
}

func (s *stubAdapter) AnalyzeMetrics(context.Context, *model.Task) (map[string]interface{}, error) {
	return s.call("analyze_metrics")
}

func (s *stubAdapter) DeletePost(context.Context, *model.Task) (map[string]interface{}, error) {
	return s.call("delete_post")
}

func (s *stubAdapter) SchedulePost(context.Context, *model.Task) (map[string]interface{}, error) {
	return s.call("schedule_post")
}

func TestRegistry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := NewRegistry()

	require.NoError(t, r.Register("webhook", WebhookFactory))
	assert.ErrorIs(t, r.Register("webhook", WebhookFactory), ErrDuplicatePlatform)
	assert.Equal(t, []string{"webhook"}, r.Names())

	adapter, err := r.New("webhook", AdapterConfig{Platform: "twitter", BaseURL: "http://localhost:1"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &WebhookAdapter{}, adapter)

	_, err = r.New("carrier-pigeon", AdapterConfig{}, logger)
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, err = r.New("webhook", AdapterConfig{Platform: "twitter"}, logger)
	assert.Error(t, err)
}

func TestDispatcher_RoutesEveryTaskType(t *testing.T) {
	adapter := newStubAdapter()
	d := NewDispatcher(adapter, 0, 1, zaptest.NewLogger(t))

	for _, taskType := range model.TaskTypes {
		res, err := d.Execute(context.Background(), taskType, &model.Task{ID: "t", Type: taskType})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, string(taskType), res.Data["op"])
	}
	for _, taskType := range model.TaskTypes {
		assert.Equal(t, 1, adapter.calls[string(taskType)])
	}

	_, err := d.Execute(context.Background(), "dance", &model.Task{})
	assert.ErrorIs(t, err, ErrUnsupportedTask)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDispatcher_FailuresGoIntoResult(t *testing.T) {
	adapter := newStubAdapter()
	adapter.err = errors.New("rate limited: 429 too many requests")
	d := NewDispatcher(adapter, 0, 1, zaptest.NewLogger(t))

	res, err := d.Execute(context.Background(), model.TaskTypePostContent, &model.Task{ID: "t"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "429")

	adapter.err = model.ErrValidation
	_, err = d.Execute(context.Background(), model.TaskTypePostContent, &model.Task{ID: "t"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDispatcher_PacesCalls(t *testing.T) {
	adapter := newStubAdapter()
	// one call per 50ms after the first
	d := NewDispatcher(adapter, 1200, 1, zaptest.NewLogger(t))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := d.Execute(context.Background(), model.TaskTypePostContent, &model.Task{ID: "t"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Execute(ctx, model.TaskTypePostContent, &model.Task{ID: "t"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_RefreshSession(t *testing.T) {
	d := NewDispatcher(newStubAdapter(), 0, 1, zaptest.NewLogger(t))
	assert.ErrorIs(t, d.RefreshSession(context.Background()), ErrRefreshUnsupported)
}

func TestWebhookAdapter_PostContent(t *testing.T) {
	var got contentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/posts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"post_id":"123","url":"https://example.com/p/123"}`))
	}))
	defer server.Close()

	a, err := NewWebhookAdapter(AdapterConfig{Platform: "twitter", BaseURL: server.URL + "/", Token: "secret"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	data, err := a.PostContent(context.Background(), &model.Task{Content: "hello", MediaURLs: []string{"https://cdn.example.com/a.png"}})
	require.NoError(t, err)
	assert.Equal(t, "123", data["post_id"])
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, got.MediaURLs)
}

func TestWebhookAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusUnauthorized, "session expired"},
		{http.StatusForbidden, "permission denied"},
		{http.StatusTooManyRequests, "too many requests"},
		{http.StatusBadGateway, "network error"},
		{http.StatusNotFound, "status 404"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			a, err := NewWebhookAdapter(AdapterConfig{Platform: "twitter", BaseURL: server.URL}, zaptest.NewLogger(t))
			require.NoError(t, err)

			_, err = a.DeletePost(context.Background(), &model.Task{PostID: "p1"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWebhookAdapter_BadRequestIsValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"content too long"}`))
	}))
	defer server.Close()

	a, err := NewWebhookAdapter(AdapterConfig{Platform: "twitter", BaseURL: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = a.PostContent(context.Background(), &model.Task{Content: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Contains(t, err.Error(), "content too long")
}

func TestWebhookAdapter_RefreshSession(t *testing.T) {
	var authHeaders []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/session/refresh":
			_, _ = w.Write([]byte(`{"token":"fresh"}`))
		default:
			_, _ = w.Write([]byte(`{"likes":3}`))
		}
	}))
	defer server.Close()

	a, err := NewWebhookAdapter(AdapterConfig{Platform: "twitter", BaseURL: server.URL, Token: "stale"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d := NewDispatcher(a, 0, 1, zaptest.NewLogger(t))
	require.NoError(t, d.RefreshSession(context.Background()))

	res, err := d.Execute(context.Background(), model.TaskTypeAnalyzeMetrics, &model.Task{PostID: "p1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, float64(3), res.Data["likes"])
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, authHeaders)
}
