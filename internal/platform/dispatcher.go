package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/postpilot/internal/model"
)

// Dispatcher routes tasks to adapter methods and paces calls per platform
type Dispatcher struct {
	logger  *zap.Logger
	adapter Adapter
	limiter *rate.Limiter
}

// NewDispatcher creates a dispatcher allowing perMinute calls with the given burst.
// A non-positive perMinute disables pacing.
func NewDispatcher(adapter Adapter, perMinute float64, burst int, logger *zap.Logger) *Dispatcher {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		logger:  logger.Named("dispatcher"),
		adapter: adapter,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Execute runs one task. Failures reported by the platform come back in the result;
// the error is reserved for cancellation, validation and unsupported task types.
func (d *Dispatcher) Execute(ctx context.Context, taskType model.TaskType, task *model.Task) (*model.TaskResult, error) {
	call, err := d.route(taskType)
	if err != nil {
		return nil, err
	}

	if err := d.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return &model.TaskResult{Error: fmt.Sprintf("rate limit wait failed: %v", err)}, nil
	}

	start := time.Now()
	data, err := call(ctx, task)
	result := &model.TaskResult{ProcessingTimeMs: time.Since(start).Milliseconds()}

	if err != nil {
		if errors.Is(err, model.ErrValidation) || errors.Is(err, context.Canceled) {
			return result, err
		}
		result.Error = err.Error()
		d.logger.Debug("Platform call failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(taskType)),
			zap.Error(err))
		return result, nil
	}

	result.Success = true
	result.Data = data
	return result, nil
}

func (d *Dispatcher) route(taskType model.TaskType) (func(context.Context, *model.Task) (map[string]interface{}, error), error) {
	switch taskType {
	case model.TaskTypeGenerateContent:
		return d.adapter.GenerateContent, nil
	case model.TaskTypeGenerateImage:
		return d.adapter.GenerateImage, nil
	case model.TaskTypePostContent:
		return d.adapter.PostContent, nil
	case model.TaskTypeAnalyzeMetrics:
		return d.adapter.AnalyzeMetrics, nil
	case model.TaskTypeDeletePost:
		return d.adapter.DeletePost, nil
	case model.TaskTypeSchedulePost:
		return d.adapter.SchedulePost, nil
	}
	return nil, fmt.Errorf("%w: %w: %s", model.ErrValidation, ErrUnsupportedTask, taskType)
}

// RefreshSession delegates to the adapter when it supports session renewal
func (d *Dispatcher) RefreshSession(ctx context.Context) error {
	refresher, ok := d.adapter.(SessionRefresher)
	if !ok {
		return ErrRefreshUnsupported
	}
	return refresher.RefreshSession(ctx)
}
