package ai

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

const (
	DefaultModel       = "claude-sonnet-4-20250514"
	DefaultMaxTokens   = 4096
	DefaultTimeout     = 60 * time.Second
	DefaultMaxFailures = 3
	DefaultMaxHTML     = 20000
)

var fencePattern = regexp.MustCompile("(?s)```(?:javascript|js)?[ \\t]*\\n(.*?)```")

const systemPrompt = `You write browser automation for a social media posting bot.
Reply with a single JavaScript code block. The code is the body of an async function
that receives the post text as "content" and must return
{success: boolean, postId?: string, postUrl?: string, error?: string}.`

// Config configures the code generator
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Timeout     time.Duration
	MaxFailures int
	MaxHTML     int
}

// CodeGenerator asks Claude for posting code when stored automation no longer works.
// It counts consecutive generations per platform and task type so callers can stop
// asking and escalate once the threshold is reached.
type CodeGenerator struct {
	logger *zap.Logger
	client anthropic.Client
	cfg    Config

	mu       sync.Mutex
	failures map[string]int
}

// NewCodeGenerator creates a new code generator
func NewCodeGenerator(cfg Config, logger *zap.Logger) (*CodeGenerator, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.MaxHTML <= 0 {
		cfg.MaxHTML = DefaultMaxHTML
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &CodeGenerator{
		logger:   logger.Named("codegen"),
		client:   anthropic.NewClient(opts...),
		cfg:      cfg,
		failures: make(map[string]int),
	}, nil
}

func counterKey(platform string, taskType model.TaskType) string {
	return platform + "/" + string(taskType)
}

// GeneratePostingCode requests automation code for the failing task. Transport and
// parsing failures come back as an unsuccessful GeneratedCode, not an error, unless
// the context was cancelled.
func (g *CodeGenerator) GeneratePostingCode(ctx context.Context, req model.CodeRequest) (*model.GeneratedCode, error) {
	g.mu.Lock()
	g.failures[counterKey(req.Platform, req.TaskType)]++
	attempt := g.failures[counterKey(req.Platform, req.TaskType)]
	g.mu.Unlock()

	prompt, err := g.buildPrompt(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: g.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("Code generation request failed",
			zap.String("platform", req.Platform),
			zap.String("task_type", string(req.TaskType)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return &model.GeneratedCode{Error: err.Error()}, nil
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	code, err := extractCode(text.String())
	if err != nil {
		return &model.GeneratedCode{Error: err.Error()}, nil
	}

	g.logger.Info("Generated posting code",
		zap.String("platform", req.Platform),
		zap.String("task_type", string(req.TaskType)),
		zap.Int("attempt", attempt),
		zap.Int("code_length", len(code)),
		zap.Duration("duration", time.Since(start)))

	return &model.GeneratedCode{Success: true, Code: code}, nil
}

// ShouldEscalateToHuman reports whether generation has been tried too often without a reset
func (g *CodeGenerator) ShouldEscalateToHuman(platform string, taskType model.TaskType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[counterKey(platform, taskType)] >= g.cfg.MaxFailures
}

// ResetFailureCount clears the counter after generated code completed a task
func (g *CodeGenerator) ResetFailureCount(platform string, taskType model.TaskType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, counterKey(platform, taskType))
}

func (g *CodeGenerator) buildPrompt(req model.CodeRequest) (string, error) {
	html, err := trimHTML(req.HTML, g.cfg.MaxHTML)
	if err != nil {
		return "", fmt.Errorf("failed to trim page html: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\nTask: %s\nURL: %s\n", req.Platform, req.TaskType, req.URL)
	fmt.Fprintf(&b, "The previous attempt failed with: %s\n", req.ErrorMessage)
	if req.PriorWorkflow != nil && len(req.PriorWorkflow.Steps) > 0 {
		b.WriteString("\nSteps that used to work:\n")
		for i, step := range req.PriorWorkflow.Steps {
			fmt.Fprintf(&b, "%d. %s %s", i+1, step.Action, step.Selector)
			if step.Description != "" {
				fmt.Fprintf(&b, " (%s)", step.Description)
			}
			b.WriteString("\n")
		}
	}
	if html != "" {
		b.WriteString("\nCurrent page:\n")
		b.WriteString(html)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// trimHTML drops scripts, styles and inline svg, then truncates to max bytes
func trimHTML(html string, max int) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, svg, link, meta").Remove()

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", err
	}
	out = strings.Join(strings.Fields(out), " ")
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// extractCode returns the first fenced code block, or the whole reply when it has no fences
func extractCode(reply string) (string, error) {
	if m := fencePattern.FindStringSubmatch(reply); m != nil {
		if code := strings.TrimSpace(m[1]); code != "" {
			return code, nil
		}
		return "", ErrNoCode
	}
	if strings.Contains(reply, "```") || strings.TrimSpace(reply) == "" {
		return "", ErrNoCode
	}
	return strings.TrimSpace(reply), nil
}
