package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

const maxResponseBytes = 1 << 20

// WebhookAdapter talks to a platform through a generic JSON HTTP API
type WebhookAdapter struct {
	logger     *zap.Logger
	platform   string
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewWebhookAdapter creates a new webhook adapter
func NewWebhookAdapter(cfg AdapterConfig, logger *zap.Logger) (*WebhookAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("webhook adapter for %s requires a base url", cfg.Platform)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WebhookAdapter{
		logger:   logger.Named("webhook").With(zap.String("platform", cfg.Platform)),
		platform: cfg.Platform,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// WebhookFactory is the registry factory for webhook adapters
func WebhookFactory(cfg AdapterConfig, logger *zap.Logger) (Adapter, error) {
	return NewWebhookAdapter(cfg, logger)
}

type contentRequest struct {
	Prompt     string            `json:"prompt,omitempty"`
	Content    string            `json:"content,omitempty"`
	MediaURLs  []string          `json:"media_urls,omitempty"`
	ScheduleAt *time.Time        `json:"schedule_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// GenerateContent asks the platform for generated text
func (a *WebhookAdapter) GenerateContent(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodPost, "/content/generate", contentRequest{Prompt: task.Prompt, Content: task.Content})
}

// GenerateImage asks the platform for a generated image
func (a *WebhookAdapter) GenerateImage(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodPost, "/images/generate", contentRequest{Prompt: task.Prompt})
}

// PostContent publishes a post
func (a *WebhookAdapter) PostContent(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodPost, "/posts", contentRequest{
		Content:   task.Content,
		MediaURLs: task.MediaURLs,
		Metadata:  task.Metadata,
	})
}

// SchedulePost schedules a post for later publication
func (a *WebhookAdapter) SchedulePost(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodPost, "/posts/scheduled", contentRequest{
		Content:    task.Content,
		MediaURLs:  task.MediaURLs,
		ScheduleAt: task.ScheduleAt,
		Metadata:   task.Metadata,
	})
}

// DeletePost removes a post
func (a *WebhookAdapter) DeletePost(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(task.PostID), nil)
}

// AnalyzeMetrics fetches a post's metrics
func (a *WebhookAdapter) AnalyzeMetrics(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(task.PostID)+"/metrics", nil)
}

// RefreshSession exchanges the current token for a new one
func (a *WebhookAdapter) RefreshSession(ctx context.Context) error {
	data, err := a.do(ctx, http.MethodPost, "/session/refresh", nil)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	token, _ := data["token"].(string)
	if token == "" {
		return fmt.Errorf("failed to refresh session: response carried no token")
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()

	a.logger.Info("Session refreshed")
	return nil
}

func (a *WebhookAdapter) do(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	a.mu.RLock()
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	a.mu.RUnlock()

	a.logger.Debug("Executing platform request",
		zap.String("method", method),
		zap.String("path", path))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("network error: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, raw)
	}

	data := make(map[string]interface{})
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return data, nil
}

// statusError turns an HTTP failure into an error whose text the healing classifier recognises
func statusError(code int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}

	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("session expired: 401 unauthorized %s", detail)
	case code == http.StatusForbidden:
		return fmt.Errorf("permission denied: 403 forbidden %s", detail)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: 429 too many requests %s", detail)
	case code >= 500:
		return fmt.Errorf("network error: upstream returned %d %s", code, detail)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: platform rejected request with %d %s", model.ErrValidation, code, detail)
	}
	return fmt.Errorf("request failed with status %d %s", code, detail)
}
