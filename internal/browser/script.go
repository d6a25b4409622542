package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// ScriptExecutor runs generated automation code in a controller's tab
type ScriptExecutor struct {
	logger  *zap.Logger
	browser *Controller
}

// NewScriptExecutor creates a script executor bound to a browser controller
func NewScriptExecutor(browser *Controller, logger *zap.Logger) *ScriptExecutor {
	return &ScriptExecutor{
		logger:  logger.Named("script-executor"),
		browser: browser,
	}
}

// Execute navigates to url when the tab is elsewhere, then runs code with the post content in scope
func (e *ScriptExecutor) Execute(ctx context.Context, code, content, url string) (*model.ScriptResult, error) {
	if url != "" {
		current, err := e.browser.CurrentURL(ctx)
		if err != nil || current != url {
			if err := e.browser.Navigate(ctx, url); err != nil {
				return nil, err
			}
		}
	}

	script, err := buildScript(code, content)
	if err != nil {
		return nil, err
	}

	var result model.ScriptResult
	err = e.browser.run(ctx, chromedp.Evaluate(script, &result, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}

	e.logger.Info("Script executed",
		zap.Bool("success", result.Success),
		zap.String("post_id", result.PostID),
		zap.String("error", result.Error))
	return &result, nil
}

// buildScript wraps code in an async function that receives the post content and
// always resolves to a {success, postId, postUrl, error} object
func buildScript(code, content string) (string, error) {
	arg, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to encode content: %w", err)
	}

	return fmt.Sprintf(`(async (content) => {
  try {
    const result = await (async () => {
%s
    })();
    if (result && typeof result === "object") {
      return result;
    }
    return { success: !!result };
  } catch (e) {
    return { success: false, error: String((e && e.message) || e) };
  }
})(%s)`, code, arg), nil
}
