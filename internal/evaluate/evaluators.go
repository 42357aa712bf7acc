package evaluate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// Func adapts a plain function into an Evaluator. Useful for wiring external
// tools (linters, test runners) without a dedicated type.
type Func struct {
	name          string
	category      Category
	deterministic bool
	fn            func(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error)
}

// NewFunc creates a function-backed evaluator.
func NewFunc(name string, category Category, deterministic bool, fn func(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error)) *Func {
	return &Func{name: name, category: category, deterministic: deterministic, fn: fn}
}

func (f *Func) Name() string        { return f.name }
func (f *Func) Category() Category  { return f.category }
func (f *Func) Deterministic() bool { return f.deterministic }

func (f *Func) Evaluate(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error) {
	return f.fn(ctx, output, ec)
}

// Completeness fails when the merged phase output is missing role
// contributions: any role error makes the output incomplete by definition.
type Completeness struct{}

// NewCompleteness creates a completeness evaluator.
func NewCompleteness() *Completeness { return &Completeness{} }

func (e *Completeness) Name() string        { return "completeness" }
func (e *Completeness) Category() Category  { return CategoryCompleteness }
func (e *Completeness) Deterministic() bool { return true }

func (e *Completeness) Evaluate(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error) {
	if len(ec.RoleFailures) > 0 {
		var parts []string
		var suggestions []string
		for role, msg := range ec.RoleFailures {
			parts = append(parts, fmt.Sprintf("%s: %s", role, msg))
			suggestions = append(suggestions, fmt.Sprintf("re-run role %s or fix its input", role))
		}
		return workflow.EvaluationResult{
			Passed:      false,
			Score:       scoreFraction(len(ec.ExpectedRoles)-len(ec.RoleFailures), len(ec.ExpectedRoles)),
			Feedback:    "phase output incomplete, role failures: " + strings.Join(parts, "; "),
			Suggestions: suggestions,
		}, nil
	}
	if strings.TrimSpace(output) == "" {
		return workflow.EvaluationResult{
			Passed:   false,
			Feedback: "phase output is empty",
		}, nil
	}
	return workflow.EvaluationResult{Passed: true, Score: 1.0, Feedback: "all role outputs present"}, nil
}

// OutputShape enforces size bounds on the merged output.
type OutputShape struct {
	minBytes int
	maxBytes int
}

// NewOutputShape creates an output shape evaluator. Zero max disables the
// upper bound.
func NewOutputShape(minBytes, maxBytes int) *OutputShape {
	return &OutputShape{minBytes: minBytes, maxBytes: maxBytes}
}

func (e *OutputShape) Name() string        { return "output-shape" }
func (e *OutputShape) Category() Category  { return CategoryCorrectness }
func (e *OutputShape) Deterministic() bool { return true }

func (e *OutputShape) Evaluate(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error) {
	n := len(output)
	if n < e.minBytes {
		return workflow.EvaluationResult{
			Passed:      false,
			Feedback:    fmt.Sprintf("output too small: %d bytes (min %d)", n, e.minBytes),
			Suggestions: []string{"produce a fuller artifact for this phase"},
		}, nil
	}
	if e.maxBytes > 0 && n > e.maxBytes {
		return workflow.EvaluationResult{
			Passed:      false,
			Feedback:    fmt.Sprintf("output too large: %d bytes (max %d)", n, e.maxBytes),
			Suggestions: []string{"trim the artifact to its essential content"},
		}, nil
	}
	return workflow.EvaluationResult{Passed: true, Score: 1.0, Feedback: "output within bounds"}, nil
}

// HelpOutput detects --help output passed off as verification evidence.
// Agents under pressure sometimes "verify" by running a tool's help screen.
type HelpOutput struct{}

// NewHelpOutput creates a help-output detector.
func NewHelpOutput() *HelpOutput { return &HelpOutput{} }

func (e *HelpOutput) Name() string        { return "help-output-detector" }
func (e *HelpOutput) Category() Category  { return CategoryTesting }
func (e *HelpOutput) Deterministic() bool { return true }

func (e *HelpOutput) Evaluate(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error) {
	if isHelpOutput(output) {
		return workflow.EvaluationResult{
			Passed:      false,
			Feedback:    "detected --help output used as verification instead of an actual run",
			Suggestions: []string{"run the real verification command and attach its output"},
		}, nil
	}
	return workflow.EvaluationResult{Passed: true, Score: 1.0, Feedback: "no help-output pattern detected"}, nil
}

// testPatterns indicate real tool runs; helpPatterns indicate help screens.
var testPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(pass|fail|error).*\d+`),
	regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),
	regexp.MustCompile(`✓|✗`),
	regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),
	regexp.MustCompile(`(?i)test suites?:\s*\d+`),
}

var helpPatterns = []string{
	"usage:",
	"--help",
	"-h, --help",
	"show help",
	"show this help",
	"options:",
}

func isHelpOutput(output string) bool {
	if output == "" {
		return false
	}
	for _, pattern := range testPatterns {
		if pattern.MatchString(output) {
			return false
		}
	}
	lower := strings.ToLower(output)
	helpCount := 0
	for _, pattern := range helpPatterns {
		if strings.Contains(lower, pattern) {
			helpCount++
		}
	}
	return helpCount >= 2
}

func scoreFraction(n, total int) float64 {
	if total <= 0 || n <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}
