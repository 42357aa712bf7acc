// Package dispatch fans a phase's input out to the roles active in that
// phase and fans their results back in. Parallel phases run every role
// against the same input behind a join barrier; sequential phases chain each
// role's output into the next role's input and stop on first failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/gateflow/internal/dispatch"

// ErrNoRoles is returned when a phase has no registered roles.
var ErrNoRoles = errors.New("no roles registered for phase")

// Role is one independently dispatchable unit of work. The core does not
// care how a role is implemented, only that it is callable and eventually
// terminates or times out.
type Role interface {
	ID() string
	Execute(ctx context.Context, input string) (string, error)
}

// RoleResult is the per-role outcome of a dispatch.
type RoleResult struct {
	RoleID   string        `json:"role_id"`
	Output   string        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the role errored.
func (r RoleResult) Failed() bool { return r.Err != "" }

// PartialFailureError reports which roles failed while the rest completed.
// The caller decides whether a partial failure fails the whole phase.
type PartialFailureError struct {
	Phase  workflow.Phase
	Failed map[string]string // role id -> error text
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("dispatch partial failure in phase %s: roles %s", e.Phase, strings.Join(ids, ", "))
}

// Config configures the dispatcher.
type Config struct {
	// RoleTimeout bounds each role execution (default: 5m).
	RoleTimeout time.Duration

	// MaxParallel bounds concurrent role tasks within a fan-out (default: 8).
	MaxParallel int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RoleTimeout: 5 * time.Minute,
		MaxParallel: 8,
	}
}

// Dispatcher holds the static per-phase role configuration. Registration
// happens during setup; Dispatch may be called concurrently afterwards.
type Dispatcher struct {
	mu         sync.RWMutex
	roles      map[workflow.Phase][]Role
	sequential map[workflow.Phase]bool

	config *Config
	sem    *semaphore.Weighted
	logger *zap.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg *Config, logger *zap.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RoleTimeout <= 0 {
		cfg.RoleTimeout = 5 * time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		roles:      make(map[workflow.Phase][]Role),
		sequential: make(map[workflow.Phase]bool),
		config:     cfg,
		sem:        semaphore.NewWeighted(cfg.MaxParallel),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
}

// Register adds a role to a phase. A role may be active in multiple phases.
// Registration order is the execution order for sequential phases.
func (d *Dispatcher) Register(phase workflow.Phase, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[phase] = append(d.roles[phase], role)
}

// MarkSequential tags a phase sequential-only: its roles run one at a time,
// each output feeding the next input, stopping on first failure. Used for
// order-dependent steps (build, canary validate, promote) that are unsafe to
// parallelize.
func (d *Dispatcher) MarkSequential(phase workflow.Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sequential[phase] = true
}

// Roles returns the role ids registered for a phase, in registration order.
func (d *Dispatcher) Roles(phase workflow.Phase) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.roles[phase]))
	for _, r := range d.roles[phase] {
		ids = append(ids, r.ID())
	}
	return ids
}

// Dispatch runs the phase's roles against the input. On any role failure the
// full result map is still returned together with a *PartialFailureError;
// successful sibling outputs are preserved (bulkhead isolation).
func (d *Dispatcher) Dispatch(ctx context.Context, phase workflow.Phase, input string) (map[string]RoleResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("phase", string(phase)))

	d.mu.RLock()
	roles := append([]Role(nil), d.roles[phase]...)
	seq := d.sequential[phase]
	d.mu.RUnlock()

	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoles, phase)
	}
	span.SetAttributes(attribute.Int("role_count", len(roles)), attribute.Bool("sequential", seq))

	if seq {
		return d.dispatchSequential(ctx, phase, roles, input)
	}
	return d.dispatchParallel(ctx, phase, roles, input)
}

// dispatchParallel launches every role concurrently against the same input
// and blocks at the join barrier until all finish or fail. A single role's
// failure does not cancel the others.
func (d *Dispatcher) dispatchParallel(ctx context.Context, phase workflow.Phase, roles []Role, input string) (map[string]RoleResult, error) {
	results := make([]RoleResult, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role Role) {
			defer wg.Done()
			if err := d.sem.Acquire(ctx, 1); err != nil {
				results[i] = RoleResult{RoleID: role.ID(), Err: err.Error()}
				return
			}
			defer d.sem.Release(1)
			results[i] = d.runRole(ctx, role, input)
		}(i, role)
	}
	wg.Wait()

	out := make(map[string]RoleResult, len(results))
	failed := make(map[string]string)
	for _, res := range results {
		out[res.RoleID] = res
		if res.Failed() {
			failed[res.RoleID] = res.Err
		}
	}
	if len(failed) > 0 {
		d.logger.Warn("dispatch completed with role failures",
			zap.String("phase", string(phase)),
			zap.Int("failed", len(failed)),
			zap.Int("total", len(roles)),
		)
		return out, &PartialFailureError{Phase: phase, Failed: failed}
	}
	return out, nil
}

// dispatchSequential runs roles in registration order, propagating each
// role's output as the next role's input. Stops immediately on first failure;
// later roles are never invoked.
func (d *Dispatcher) dispatchSequential(ctx context.Context, phase workflow.Phase, roles []Role, input string) (map[string]RoleResult, error) {
	out := make(map[string]RoleResult, len(roles))
	current := input
	for _, role := range roles {
		res := d.runRole(ctx, role, current)
		out[res.RoleID] = res
		if res.Failed() {
			d.logger.Warn("sequential dispatch stopped at failed role",
				zap.String("phase", string(phase)),
				zap.String("role", res.RoleID),
			)
			return out, &PartialFailureError{Phase: phase, Failed: map[string]string{res.RoleID: res.Err}}
		}
		current = res.Output
	}
	return out, nil
}

// runRole executes one role with timeout and panic isolation.
func (d *Dispatcher) runRole(ctx context.Context, role Role, input string) (result RoleResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("role panicked",
				zap.String("role", role.ID()),
				zap.Any("panic", p),
			)
			result = RoleResult{RoleID: role.ID(), Err: fmt.Sprintf("panic: %v", p), Duration: time.Since(start)}
		}
	}()

	roleCtx, cancel := context.WithTimeout(ctx, d.config.RoleTimeout)
	defer cancel()

	output, err := role.Execute(roleCtx, input)
	res := RoleResult{RoleID: role.ID(), Duration: time.Since(start)}
	if err != nil {
		if errors.Is(roleCtx.Err(), context.DeadlineExceeded) {
			res.Err = "timeout"
		} else {
			res.Err = err.Error()
		}
		return res
	}
	res.Output = output
	return res
}
