// Package evaluate runs pass/fail checks against a phase's merged output.
// Evaluators are opaque to the core: any linter, test runner, or judgment
// model becomes a typed function returning an EvaluationResult.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/gateflow/internal/evaluate"

// Category classifies what an evaluator judges.
type Category string

const (
	CategoryFunctionality   Category = "functionality"
	CategoryCorrectness     Category = "correctness"
	CategoryCompleteness    Category = "completeness"
	CategorySecurity        Category = "security"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryDocumentation   Category = "documentation"
	CategoryTesting         Category = "testing"
)

// Context carries the evaluation inputs beyond the merged output itself.
type Context struct {
	WorkflowID string
	Phase      workflow.Phase
	Attempt    int
	Goal       string

	// ExpectedRoles lists the roles dispatched for this phase; RoleFailures
	// maps failed role ids to their error text. Completeness evaluators use
	// these to detect partial fan-out output.
	ExpectedRoles []string
	RoleFailures  map[string]string
}

// Evaluator is a single pass/fail check. Implementations must be safe for
// concurrent use; the registry gives no ordering guarantee.
type Evaluator interface {
	Name() string
	Category() Category

	// Deterministic reports whether the check is cheap and repeatable.
	// Deterministic evaluators always run; judgment-based ones only run once
	// the deterministic set passes.
	Deterministic() bool

	Evaluate(ctx context.Context, output string, ec Context) (workflow.EvaluationResult, error)
}

// Config configures the registry.
type Config struct {
	// Timeout bounds each evaluator invocation (default: 30s).
	Timeout time.Duration

	// JudgmentRateLimit throttles judgment-based evaluator starts per second
	// (default: 1). Judgment evaluators are slow and billed; the limiter is
	// the cost-control backstop.
	JudgmentRateLimit rate.Limit

	// JudgmentBurst is the limiter burst size (default: 2).
	JudgmentBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:           30 * time.Second,
		JudgmentRateLimit: rate.Limit(1),
		JudgmentBurst:     2,
	}
}

// Registry maps phases to their evaluators. Global evaluators run for every
// phase. Registration happens during setup; Evaluate may be called
// concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	perPhase map[workflow.Phase][]Evaluator
	global   []Evaluator

	config  *Config
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRegistry creates an evaluator registry.
func NewRegistry(cfg *Config, logger *zap.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JudgmentRateLimit <= 0 {
		cfg.JudgmentRateLimit = rate.Limit(1)
	}
	if cfg.JudgmentBurst <= 0 {
		cfg.JudgmentBurst = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		perPhase: make(map[workflow.Phase][]Evaluator),
		config:   cfg,
		limiter:  rate.NewLimiter(cfg.JudgmentRateLimit, cfg.JudgmentBurst),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Register adds an evaluator for a specific phase.
func (r *Registry) Register(phase workflow.Phase, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perPhase[phase] = append(r.perPhase[phase], ev)
}

// RegisterGlobal adds an evaluator that runs for every phase.
func (r *Registry) RegisterGlobal(ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, ev)
}

// For returns the evaluators applicable to a phase, optionally restricted to
// deterministic ones.
func (r *Registry) For(phase workflow.Phase, deterministicOnly bool) []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var evs []Evaluator
	for _, ev := range r.global {
		if !deterministicOnly || ev.Deterministic() {
			evs = append(evs, ev)
		}
	}
	for _, ev := range r.perPhase[phase] {
		if !deterministicOnly || ev.Deterministic() {
			evs = append(evs, ev)
		}
	}
	return evs
}

// Judgment returns only the judgment-based evaluators for a phase.
func (r *Registry) Judgment(phase workflow.Phase) []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var evs []Evaluator
	for _, ev := range r.global {
		if !ev.Deterministic() {
			evs = append(evs, ev)
		}
	}
	for _, ev := range r.perPhase[phase] {
		if !ev.Deterministic() {
			evs = append(evs, ev)
		}
	}
	return evs
}

// EvaluateJudgment runs only the judgment-based evaluators. The orchestrator
// calls this after the deterministic set passes, so slow evaluators never run
// against output that already fails a cheap check.
func (r *Registry) EvaluateJudgment(ctx context.Context, phase workflow.Phase, output string, ec Context) []workflow.EvaluationResult {
	ctx, span := r.tracer.Start(ctx, "evaluate.judgment")
	defer span.End()
	span.SetAttributes(attribute.String("phase", string(phase)))
	return r.runAll(ctx, r.Judgment(phase), phase, output, ec)
}

// Evaluate runs the applicable evaluators and returns the full result set.
// It never short-circuits on the first failure so feedback stays complete.
// Evaluator crashes and timeouts are recorded as failed results rather than
// propagated: infrastructure failure is a judgment of "not passed" tagged
// distinctly in the feedback text for operator diagnosis.
func (r *Registry) Evaluate(ctx context.Context, phase workflow.Phase, output string, ec Context, deterministicOnly bool) []workflow.EvaluationResult {
	ctx, span := r.tracer.Start(ctx, "evaluate.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("phase", string(phase)),
		attribute.Bool("deterministic_only", deterministicOnly),
	)

	results := r.runAll(ctx, r.For(phase, deterministicOnly), phase, output, ec)
	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results
}

// runAll executes evaluators concurrently with no ordering guarantee.
func (r *Registry) runAll(ctx context.Context, evs []Evaluator, phase workflow.Phase, output string, ec Context) []workflow.EvaluationResult {
	if len(evs) == 0 {
		return nil
	}
	results := make([]workflow.EvaluationResult, len(evs))
	var wg sync.WaitGroup
	for i, ev := range evs {
		wg.Add(1)
		go func(i int, ev Evaluator) {
			defer wg.Done()
			results[i] = r.runOne(ctx, ev, phase, output, ec)
		}(i, ev)
	}
	wg.Wait()
	return results
}

// runOne executes a single evaluator with timeout and panic isolation.
func (r *Registry) runOne(ctx context.Context, ev Evaluator, phase workflow.Phase, output string, ec Context) (result workflow.EvaluationResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("evaluator panicked",
				zap.String("evaluator", ev.Name()),
				zap.String("phase", string(phase)),
				zap.Any("panic", p),
			)
			result = unavailableResult(ev.Name(), fmt.Errorf("panic: %v", p))
		}
	}()

	if !ev.Deterministic() {
		if err := r.limiter.Wait(ctx); err != nil {
			return unavailableResult(ev.Name(), err)
		}
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	res, err := ev.Evaluate(evalCtx, output, ec)
	if err != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("evaluator timed out",
				zap.String("evaluator", ev.Name()),
				zap.Duration("timeout", r.config.Timeout),
			)
			return workflow.EvaluationResult{
				Evaluator: ev.Name(),
				Passed:    false,
				Feedback:  "timeout",
			}
		}
		r.logger.Warn("evaluator unavailable",
			zap.String("evaluator", ev.Name()),
			zap.Error(err),
		)
		return unavailableResult(ev.Name(), err)
	}
	res.Evaluator = ev.Name()
	return res
}

func unavailableResult(name string, err error) workflow.EvaluationResult {
	return workflow.EvaluationResult{
		Evaluator: name,
		Passed:    false,
		Feedback:  fmt.Sprintf("evaluator unavailable: %v", err),
	}
}
