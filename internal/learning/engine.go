package learning

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

var (
	identifierPattern = regexp.MustCompile(`[#.]([A-Za-z0-9_-]+)|\[[a-z-]+=["']?([^"'\]]+)["']?\]`)
	wordPattern       = regexp.MustCompile(`[A-Za-z0-9]+`)
)

// candidate kinds per step action
var actionTargets = map[string]string{
	"click": `button, a, input[type="submit"], input[type="button"], [role="button"]`,
	"type":  `input, textarea, [contenteditable="true"], [role="textbox"]`,
	"fill":  `input, textarea, [contenteditable="true"], [role="textbox"]`,
}

// Engine repairs learned workflows whose selectors no longer match the page
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new learning engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("learning")}
}

// TryAutoRepairWorkflow re-locates the failed step's element in html and returns a copy of
// the workflow with the step's selector rewritten. It returns nil when no element qualifies.
func (e *Engine) TryAutoRepairWorkflow(ctx context.Context, wf *model.Workflow, failedStep int, html string, screenshot []byte) (*model.Workflow, error) {
	if wf == nil || failedStep < 0 || failedStep >= len(wf.Steps) {
		return nil, fmt.Errorf("failed step %d out of range", failedStep)
	}
	if strings.TrimSpace(html) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page html: %w", err)
	}

	step := wf.Steps[failedStep]
	if step.Selector != "" && doc.Find(step.Selector).Length() == 1 {
		// the element is still there; the failure was not a moved selector
		return nil, nil
	}

	best, score := e.bestCandidate(doc, step)
	if best == nil {
		e.logger.Info("No replacement element found",
			zap.String("workflow_id", wf.ID),
			zap.Int("step", failedStep),
			zap.String("selector", step.Selector))
		return nil, nil
	}

	selector := selectorFor(best)
	if doc.Find(selector).Length() != 1 {
		selector = cssPath(best)
	}

	repaired := wf.Clone()
	repaired.Steps[failedStep].Selector = selector

	e.logger.Info("Repaired workflow step",
		zap.String("workflow_id", wf.ID),
		zap.Int("step", failedStep),
		zap.String("old_selector", step.Selector),
		zap.String("new_selector", selector),
		zap.Int("score", score),
		zap.Int("screenshot_bytes", len(screenshot)))
	return repaired, nil
}

func (e *Engine) bestCandidate(doc *goquery.Document, step model.WorkflowStep) (*goquery.Selection, int) {
	targets, ok := actionTargets[strings.ToLower(step.Action)]
	if !ok {
		targets = "body *"
	}

	keywords := stepKeywords(step)
	text := strings.ToLower(strings.TrimSpace(step.Text))

	var best *goquery.Selection
	bestScore := 0
	doc.Find(targets).Each(func(_ int, s *goquery.Selection) {
		if score := scoreElement(s, keywords, text); score > bestScore {
			best, bestScore = s, score
		}
	})
	return best, bestScore
}

// stepKeywords collects words from the old selector and the step's description
func stepKeywords(step model.WorkflowStep) []string {
	var sources []string
	for _, m := range identifierPattern.FindAllStringSubmatch(step.Selector, -1) {
		sources = append(sources, m[1], m[2])
	}
	sources = append(sources, step.Description)

	seen := make(map[string]bool)
	var keywords []string
	for _, source := range sources {
		for _, word := range wordPattern.FindAllString(strings.ToLower(source), -1) {
			if len(word) < 3 || seen[word] {
				continue
			}
			seen[word] = true
			keywords = append(keywords, word)
		}
	}
	return keywords
}

func scoreElement(s *goquery.Selection, keywords []string, text string) int {
	id, _ := s.Attr("id")
	name, _ := s.Attr("name")
	aria, _ := s.Attr("aria-label")
	placeholder, _ := s.Attr("placeholder")
	title, _ := s.Attr("title")
	value, _ := s.Attr("value")
	testID, _ := s.Attr("data-testid")
	class, _ := s.Attr("class")
	visible := strings.ToLower(strings.TrimSpace(s.Text()))

	labels := strings.ToLower(strings.Join([]string{aria, placeholder, title, value}, " "))
	identifiers := strings.ToLower(strings.Join([]string{id, name, testID, class}, " "))

	score := 0
	if text != "" {
		switch {
		case visible == text:
			score += 50
		case strings.Contains(labels, text):
			score += 40
		case strings.Contains(visible, text):
			score += 30
		}
	}
	for _, kw := range keywords {
		if strings.Contains(identifiers, kw) {
			score += 10
		}
		if strings.Contains(labels, kw) || strings.Contains(visible, kw) {
			score += 5
		}
	}
	return score
}

// selectorFor prefers id, then name, aria-label, placeholder and data-testid
func selectorFor(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	if id, ok := s.Attr("id"); ok && id != "" {
		return "#" + id
	}
	for _, attr := range []string{"name", "aria-label", "placeholder", "data-testid"} {
		if v, ok := s.Attr(attr); ok && v != "" {
			return fmt.Sprintf(`%s[%s=%s]`, tag, attr, strconv.Quote(v))
		}
	}
	return cssPath(s)
}

// cssPath builds a structural selector from the document root
func cssPath(s *goquery.Selection) string {
	var parts []string
	for node := s; node.Length() > 0; node = node.Parent() {
		tag := goquery.NodeName(node)
		if tag == "" || tag == "#document" || tag == "html" {
			break
		}
		index := node.Index() + 1
		parts = append([]string{fmt.Sprintf("%s:nth-child(%d)", tag, index)}, parts...)
		if tag == "body" {
			parts[0] = "body"
			break
		}
	}
	return strings.Join(parts, " > ")
}
